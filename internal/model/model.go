// Package model defines domain entities shared by services and repositories.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gofrs/uuid/v5"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionRevoked SessionStatus = "revoked"
)

// RevokeReason explains why a session was terminated.
type RevokeReason string

const (
	RevokeLogout    RevokeReason = "logout"
	RevokeLogoutAll RevokeReason = "logout_all"
	RevokeSecurity  RevokeReason = "security"
	RevokeExpired   RevokeReason = "expired"
	RevokeAdmin     RevokeReason = "admin"
)

// Session is a single authenticated login instance tied to one device.
// Once revoked it is terminal; a new login creates a new record.
type Session struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	DeviceID string

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	DeviceName string
	IPAddress  string // optional
	UserAgent  string // optional

	Status       SessionStatus
	RevokeReason RevokeReason // empty while active

	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Tokens collects an issued access/refresh token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// UserProfile is a read-only snapshot of the authenticated user.
type UserProfile struct {
	UserID      string
	Email       string
	DisplayName string
	Provider    string
	AvatarURL   string
	Role        string
	CreatedAt   time.Time
}

// DeviceFingerprint is a coarse identity hint for a device. It is derived
// deterministically from device attributes and is not a security boundary.
type DeviceFingerprint struct {
	Fingerprint string
	UserID      uuid.UUID
	DeviceID    string
	DeviceName  string
	UserAgent   string
	Trusted     bool
	FirstSeen   time.Time
	LastSeen    time.Time
}

// FingerprintDevice computes the stable fingerprint for a device triple.
func FingerprintDevice(deviceID, deviceName, userAgent string) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(deviceName))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))
}

// BlacklistEntry marks a token invalidated before its natural expiry.
// Entries past ExpiresAt are garbage and are purged by cleanup.
type BlacklistEntry struct {
	Token     string
	ExpiresAt time.Time
	RevokedAt time.Time
}

// SessionDisplayData is the read-only projection used by "active sessions" UI.
type SessionDisplayData struct {
	ID             string
	DeviceName     string
	DeviceID       string
	IPAddress      string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	IsCurrent      bool
}
