package notify

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   Intent
		want string
	}{
		{Intent{TemplateID: "like.post"}, "like"},
		{Intent{TemplateID: "mention"}, "mention"},
		{Intent{TemplateID: "like.post", Metadata: map[string]string{"type": "Comment"}}, "comment"},
	}
	for _, tc := range cases {
		if got := tc.in.Kind(); got != tc.want {
			t.Fatalf("Kind(%q) = %q, want %q", tc.in.TemplateID, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   *Intent
		ok   bool
	}{
		{"ok", &Intent{UserID: "u", TemplateID: "like.post"}, true},
		{"nil", nil, false},
		{"no user", &Intent{TemplateID: "like.post"}, false},
		{"no template", &Intent{UserID: "u"}, false},
		{"bad priority", &Intent{UserID: "u", TemplateID: "t", Priority: "urgent"}, false},
		{"negative retries", &Intent{UserID: "u", TemplateID: "t", MaxRetries: -1}, false},
		{"bad channel", &Intent{UserID: "u", TemplateID: "t", Channels: []Channel{"sms"}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidIntent) {
				t.Fatalf("err = %v, want ErrInvalidIntent", err)
			}
		})
	}
}

func TestNormalizeAndDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := &Intent{UserID: "u", TemplateID: "t", Vars: map[string]string{"a": "1"}}
	in.Normalize(now, func() string { return "id-1" })
	if in.ID != "id-1" || in.Priority != PriorityNormal || in.MaxRetries != DefaultMaxRetries || !in.CreatedAt.Equal(now) {
		t.Fatalf("normalize: %+v", in)
	}
	if !in.Due(now) || !in.Wants(ChannelPush) || !in.Wants(ChannelRealtime) {
		t.Fatal("defaults: expected due and both channels")
	}
	in.ScheduledFor = now.Add(time.Minute)
	if in.Due(now) {
		t.Fatal("future intent reported due")
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	base := errors.New("template not found")
	err := fmt.Errorf("render: %w", Permanent(base))
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("permanent wrapping lost: %v", err)
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatal("unexpected permanent classification")
	}
}
