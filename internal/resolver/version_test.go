package resolver

import "testing"

func TestCompareTable(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.10", "1.9", 1},
		{"1.9", "1.10", -1},
		{"1.0-2", "1.0-1", 1},
		{"1.0-1", "1.0-2", -1},
		{"1.0~rc1", "1.0", -1},
		{"1.0", "1.0~rc1", 1},
		{"1.0", "1.0", 0},
		{"2:1.0", "1:2.0", 1},
		{"1.0.0", "1.0.0", 0},
	}
	for _, c := range cases {
		got := Compare(c.a, c.b)
		if sign(got) != sign(c.want) {
			t.Errorf("Compare(%q,%q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	if n > 0 {
		return 1
	}
	if n < 0 {
		return -1
	}
	return 0
}

func TestCompareIsAntiSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"1.10", "1.9"},
		{"1.0-2", "1.0-1"},
		{"1.0~rc1", "1.0"},
		{"2:1.0", "1:2.0"},
		{"1.0", "1.0"},
		{"1.0a", "1.0b"},
	}
	for _, p := range pairs {
		if sign(Compare(p[0], p[1])) != -sign(Compare(p[1], p[0])) {
			t.Errorf("Compare(%q,%q) and Compare(%q,%q) are not anti-symmetric", p[0], p[1], p[1], p[0])
		}
	}
}

func TestCompareIsTransitive(t *testing.T) {
	versions := []string{"1.0~rc1", "1.0", "1.1", "1.9", "1.10", "2:1.0"}
	for i := 0; i < len(versions); i++ {
		for j := i + 1; j < len(versions); j++ {
			for k := j + 1; k < len(versions); k++ {
				a, b, c := versions[i], versions[j], versions[k]
				if sign(Compare(a, b)) <= 0 && sign(Compare(b, c)) <= 0 {
					if sign(Compare(a, c)) > 0 {
						t.Errorf("transitivity violated: %s <= %s <= %s but %s > %s", a, b, c, a, c)
					}
				}
			}
		}
	}
}
