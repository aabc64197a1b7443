// Package rbac implements the pure role-to-permission mapping used by
// authorization checks. It holds no mutable state and performs no I/O.
package rbac

// Role is an ordered user role; each role's permission set is a superset of
// the role below it.
type Role string

const (
	RoleUser      Role = "USER"
	RoleOrganizer Role = "ORGANIZER"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// Permission is a single fine-grained capability.
type Permission string

const (
	PermEventCreate    Permission = "event.create"
	PermEventRead      Permission = "event.read"
	PermEventUpdateOwn Permission = "event.update.own"
	PermEventUpdateAny Permission = "event.update.any"
	PermEventDeleteOwn Permission = "event.delete.own"
	PermEventDeleteAny Permission = "event.delete.any"

	PermParticipantJoin      Permission = "participant.join"
	PermParticipantLeave     Permission = "participant.leave"
	PermParticipantRemoveAny Permission = "participant.remove.any"

	PermVoteCast      Permission = "vote.cast"
	PermVoteRead      Permission = "vote.read"
	PermVoteUpdateOwn Permission = "vote.update.own"
	PermVoteUpdateAny Permission = "vote.update.any"
	PermVoteDeleteOwn Permission = "vote.delete.own"
	PermVoteDeleteAny Permission = "vote.delete.any"

	PermUserRead Permission = "user.read"
	PermUserBan  Permission = "user.ban"

	PermSessionReadOwn   Permission = "session.read.own"
	PermSessionRevokeOwn Permission = "session.revoke.own"
	PermSessionReadAny   Permission = "session.read.any"
	PermSessionRevokeAny Permission = "session.revoke.any"

	PermSystemMaintenance Permission = "system.maintenance"
	PermSystemConfigure   Permission = "system.configure"
)

// allPermissions is the full permission universe. Admin is defined as this
// whole enumeration, so a newly added constant must be appended here and is
// then granted to Admin automatically. Which lower roles gain it remains an
// explicit decision.
var allPermissions = []Permission{
	PermEventCreate, PermEventRead, PermEventUpdateOwn, PermEventUpdateAny,
	PermEventDeleteOwn, PermEventDeleteAny,
	PermParticipantJoin, PermParticipantLeave, PermParticipantRemoveAny,
	PermVoteCast, PermVoteRead, PermVoteUpdateOwn, PermVoteUpdateAny,
	PermVoteDeleteOwn, PermVoteDeleteAny,
	PermUserRead, PermUserBan,
	PermSessionReadOwn, PermSessionRevokeOwn, PermSessionReadAny, PermSessionRevokeAny,
	PermSystemMaintenance, PermSystemConfigure,
}

// Set is an immutable-by-convention permission set.
type Set map[Permission]struct{}

func setOf(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func union(base Set, extra ...Permission) Set {
	s := make(Set, len(base)+len(extra))
	for p := range base {
		s[p] = struct{}{}
	}
	for _, p := range extra {
		s[p] = struct{}{}
	}
	return s
}

// Role sets are built by explicit union over the role below.
var (
	userPerms = setOf(
		PermEventCreate, PermEventRead, PermEventUpdateOwn, PermEventDeleteOwn,
		PermParticipantJoin, PermParticipantLeave,
		PermVoteCast, PermVoteRead, PermVoteUpdateOwn, PermVoteDeleteOwn,
		PermSessionReadOwn, PermSessionRevokeOwn,
	)

	organizerPerms = union(userPerms,
		PermEventUpdateAny,
		PermParticipantRemoveAny,
	)

	moderatorPerms = union(organizerPerms,
		PermEventDeleteAny,
		PermVoteUpdateAny, PermVoteDeleteAny,
		PermUserRead, PermUserBan,
		PermSessionReadAny, PermSessionRevokeAny,
	)

	adminPerms = setOf(allPermissions...)
)

// AllPermissions returns a copy of the full permission enumeration.
func AllPermissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// PermissionsOf returns a copy of the permission set granted to role.
// Unknown roles have no permissions.
func PermissionsOf(role Role) Set {
	src := permsOf(role)
	out := make(Set, len(src))
	for p := range src {
		out[p] = struct{}{}
	}
	return out
}

func permsOf(role Role) Set {
	switch role {
	case RoleUser:
		return userPerms
	case RoleOrganizer:
		return organizerPerms
	case RoleModerator:
		return moderatorPerms
	case RoleAdmin:
		return adminPerms
	default:
		return nil
	}
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	_, ok := permsOf(role)[perm]
	return ok
}

// HasAnyPermission reports whether any of the roles grants perm.
func HasAnyPermission(roles []Role, perm Permission) bool {
	for _, r := range roles {
		if HasPermission(r, perm) {
			return true
		}
	}
	return false
}
