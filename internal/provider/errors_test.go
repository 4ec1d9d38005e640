package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/singh-krishan/idp/internal/template"
)

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransient("op", CodeRateLimited, nil), true},
		{"permanent", NewPermanent("op", CodeAuthFailed, nil), false},
		{"wrapped permanent", fmt.Errorf("stage: %w", NewPermanent("op", CodePushRejected, nil)), false},
		{"unclassified", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]struct {
		code string
		kind Kind
	}{
		401: {CodeAuthFailed, Permanent},
		403: {CodeAuthFailed, Permanent},
		404: {CodeNotFound, Transient},
		409: {CodeAlreadyExists, Permanent},
		429: {CodeRateLimited, Transient},
		503: {CodeUnavailable, Transient},
		504: {CodeTimeout, Transient},
	}
	for status, want := range cases {
		err := FromHTTPStatus("op", status, nil)
		if err.Code != want.code || err.Kind != want.kind {
			t.Fatalf("status %d: got %s/%s, want %s/%s", status, err.Code, err.Kind, want.code, want.kind)
		}
	}
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) ExternalCall(service, operation string, err error, _ time.Duration) {
	status := "ok"
	if err != nil {
		status = "err"
	}
	r.calls = append(r.calls, service+"/"+operation+"/"+status)
}

type failingSource struct{}

func (failingSource) CreateRepository(context.Context, string, string, string) (RepoRef, error) {
	return RepoRef{}, NewPermanent("create", CodeAlreadyExists, nil)
}
func (failingSource) FindRepository(context.Context, string, string) (RepoRef, error) {
	return RepoRef{Name: "svc"}, nil
}
func (failingSource) PushTree(context.Context, RepoRef, template.FileTree, string) (Commit, error) {
	return Commit{}, nil
}
func (failingSource) DeleteRepository(context.Context, RepoRef) error { return nil }

func TestInstrumentReportsOutcome(t *testing.T) {
	obs := &recordingObserver{}
	set := Instrument(Set{Source: failingSource{}}, obs)
	if _, err := set.Source.CreateRepository(context.Background(), "org", "svc", "p1"); !HasCode(err, CodeAlreadyExists) {
		t.Fatalf("expected error to pass through, got %v", err)
	}
	if _, err := set.Source.FindRepository(context.Background(), "org", "svc"); err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []string{"source_control/create_repository/err", "source_control/find_repository/ok"}
	if fmt.Sprint(obs.calls) != fmt.Sprint(want) {
		t.Fatalf("unexpected calls %v", obs.calls)
	}
}
