package jsonrpc

import "testing"

func TestIDEqual(t *testing.T) {
	cases := []struct {
		a, b ID
		want bool
	}{
		{StringID("x"), StringID("x"), true},
		{StringID("x"), StringID("y"), false},
		{Int64ID(1), Int64ID(1), true},
		{Int64ID(1), Int64ID(2), false},
		{Int64ID(0), StringID("0"), false}, // variant matters, not just value
		{ID{}, ID{}, true},
		{ID{}, Int64ID(0), false},
	}
	for _, c := range cases {
		if got := c.a.Equal(c.b); got != c.want {
			t.Errorf("%#v.Equal(%#v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIDRaw(t *testing.T) {
	if got := StringID("a").Raw(); got != "a" {
		t.Errorf("StringID(a).Raw() = %v, want %q", got, "a")
	}
	if got := Int64ID(7).Raw(); got != int64(7) {
		t.Errorf("Int64ID(7).Raw() = %v, want 7", got)
	}
	if got := (ID{}).Raw(); got != nil {
		t.Errorf("zero ID.Raw() = %v, want nil", got)
	}
}
