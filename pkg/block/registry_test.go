package block

import (
	"context"
	"errors"
	"testing"
)

func TestRegister_DuplicateName(t *testing.T) {
	d := newFakeDriver()
	if err := Register(d); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := Register(d); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("second registration error = %v, want ErrDuplicateName", err)
	}
}

func TestRegister_RejectsNilAndNameless(t *testing.T) {
	if err := Register(nil); err == nil {
		t.Error("expected error registering nil driver")
	}

	d := newFakeDriver()
	d.name = ""
	if err := Register(d); err == nil {
		t.Error("expected error registering driver with empty format name")
	}
}

// inertDriver is a non-filter driver with neither read nor write support.
type inertDriver struct{ name string }

func (d *inertDriver) Info() DriverInfo { return DriverInfo{FormatName: d.name} }
func (d *inertDriver) Open(ctx context.Context, n *Node, opts *Options, flags OpenFlag) error {
	return nil
}
func (d *inertDriver) Close(n *Node) {}

func TestRegister_RejectsNonFilterWithoutIO(t *testing.T) {
	if err := Register(&inertDriver{name: "inert-test"}); err == nil {
		t.Error("expected error registering non-filter driver without read or write")
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := Lookup("no-such-driver"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}
}

// scoredProber recognizes a magic prefix with a fixed score.
type scoredProber struct {
	*fakeDriver
	magic string
	score int
}

func (p *scoredProber) Probe(buf []byte, filename string) int {
	if len(buf) >= len(p.magic) && string(buf[:len(p.magic)]) == p.magic {
		return p.score
	}
	return 0
}

func TestFindFormat_HighestScoreWins(t *testing.T) {
	weak := &scoredProber{fakeDriver: newFakeDriver(), magic: "MAGC", score: 10}
	strong := &scoredProber{fakeDriver: newFakeDriver(), magic: "MAGC", score: 100}
	MustRegister(weak)
	MustRegister(strong)

	d, err := FindFormat([]byte("MAGC-header"), "img")
	if err != nil {
		t.Fatalf("FindFormat failed: %v", err)
	}
	if d.Info().FormatName != strong.name {
		t.Errorf("FindFormat picked %q, want %q", d.Info().FormatName, strong.name)
	}

	if _, err := FindFormat([]byte("unrecognizable"), "img"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unrecognized buffer error = %v, want ErrNotFound", err)
	}
}

func TestNames_Sorted(t *testing.T) {
	MustRegister(newFakeDriver())
	names := Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Names() not sorted: %q before %q", names[i-1], names[i])
		}
	}
}
