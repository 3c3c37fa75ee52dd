package hostid

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		short   string
		domain  string
	}{
		{"PC01.lab.example", false, "pc01", "lab.example"},
		{"pc01.lab.example", false, "pc01", "lab.example"},
		{"pc01", true, "", ""},
		{"", true, "", ""},
		{".lab.example", true, "", ""},
		{"pc01.lab.example.", true, "", ""},
	}
	for _, c := range cases {
		id, err := Parse(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %q", c.in, id)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", c.in, err)
		}
		if id.Short() != c.short {
			t.Errorf("Parse(%q).Short() = %q, want %q", c.in, id.Short(), c.short)
		}
		if id.Domain() != c.domain {
			t.Errorf("Parse(%q).Domain() = %q, want %q", c.in, id.Domain(), c.domain)
		}
	}
}
