package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		mediaType MediaType
		maxBytes  int64
		mime      string
		allowed   bool
	}{
		{mediaType: MediaTypeImage, maxBytes: 10 << 20, mime: "image/png", allowed: true},
		{mediaType: MediaTypeImage, maxBytes: 10 << 20, mime: "application/pdf", allowed: false},
		{mediaType: MediaTypeAudio, maxBytes: 20 << 20, mime: "audio/mpeg", allowed: true},
		{mediaType: MediaTypeVideo, maxBytes: 50 << 20, mime: "video/mp4", allowed: true},
		{mediaType: MediaTypeVideo, maxBytes: 50 << 20, mime: "image/png", allowed: false},
	}

	for _, tt := range tests {
		policy, ok := PolicyFor(tt.mediaType)
		if !ok {
			t.Fatalf("no policy for %s", tt.mediaType)
		}
		if policy.MaxBytes != tt.maxBytes {
			t.Errorf("%s max = %d, want %d", tt.mediaType, policy.MaxBytes, tt.maxBytes)
		}
		if got := policy.Allows(tt.mime); got != tt.allowed {
			t.Errorf("%s allows %s = %v, want %v", tt.mediaType, tt.mime, got, tt.allowed)
		}
	}

	if _, ok := PolicyFor(MediaTypeText); ok {
		t.Fatal("text must not have an upload policy")
	}
}

func TestMediaMessage_Receipts(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := MediaMessage{Status: MediaStatusPending}

	if err := m.MarkRead(now); !errors.Is(err, ErrInvalidMediaState) {
		t.Fatalf("pending message cannot be read, got %v", err)
	}
	if err := m.MarkUploaded(now); err != nil {
		t.Fatalf("uploaded: %v", err)
	}
	if err := m.MarkDelivered(now); err != nil || m.Status != MediaStatusDelivered {
		t.Fatalf("delivered: %v %s", err, m.Status)
	}
	if err := m.MarkRead(now); err != nil || m.Status != MediaStatusRead {
		t.Fatalf("read: %v %s", err, m.Status)
	}
	if err := m.MarkDelivered(now); err != nil || m.Status != MediaStatusRead {
		t.Fatalf("late delivery receipt must be a no-op: %v %s", err, m.Status)
	}
}

func TestMediaMessage_AccessAndExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)
	m := MediaMessage{SenderID: "u1", ReceiverID: "shop-user", ExpiresAt: &expires}

	if !m.CanAccess("u1") || !m.CanAccess("shop-user") || m.CanAccess("stranger") || m.CanAccess("") {
		t.Fatal("access must be limited to conversation members")
	}
	if m.IsExpired(now) || !m.IsExpired(expires.Add(time.Second)) {
		t.Fatal("unexpected expiry evaluation")
	}
}

func TestActor_Permissions(t *testing.T) {
	r := Reservation{UserID: "u1", ShopID: "s1"}

	tests := []struct {
		name   string
		actor  Actor
		view   bool
		manage bool
	}{
		{name: "owner", actor: Actor{UserID: "u1", Role: RoleCustomer}, view: true, manage: false},
		{name: "shop", actor: Actor{UserID: "u9", Role: RoleShopOwner, ShopID: "s1"}, view: true, manage: true},
		{name: "other shop", actor: Actor{UserID: "u9", Role: RoleShopOwner, ShopID: "s2"}, view: false, manage: false},
		{name: "admin", actor: Actor{UserID: "a", Role: RoleAdmin}, view: true, manage: true},
		{name: "stranger", actor: Actor{UserID: "u2", Role: RoleCustomer}, view: false, manage: false},
	}

	for _, tt := range tests {
		if got := tt.actor.CanView(r); got != tt.view {
			t.Errorf("%s: CanView = %v, want %v", tt.name, got, tt.view)
		}
		if got := tt.actor.CanManage(r); got != tt.manage {
			t.Errorf("%s: CanManage = %v, want %v", tt.name, got, tt.manage)
		}
	}
}
