package store

import (
	"errors"
	"testing"

	"github.com/rawblock/rps-arena/pkg/models"
)

func TestIsBusyRecognizesSerializationFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure code", errors.New("ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)"), true},
		{"lock not available code", errors.New("ERROR: canceling statement (SQLSTATE 55P03)"), true},
		{"unrelated error", errors.New("ERROR: column \"foo\" does not exist"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isBusy(c.err); got != c.want {
				t.Errorf("isBusy(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestBuildMatchStateRoundTrips(t *testing.T) {
	type payload struct {
		Tick int64 `json:"tick"`
	}
	st, err := BuildMatchState("m1", 42, models.MatchRunning, payload{Tick: 42})
	if err != nil {
		t.Fatalf("BuildMatchState: %v", err)
	}
	if st.Version != models.CurrentStateVersion {
		t.Errorf("version = %d, want %d", st.Version, models.CurrentStateVersion)
	}
	if st.MatchID != "m1" || st.Tick != 42 || st.Status != models.MatchRunning {
		t.Errorf("got %+v", st)
	}
}
