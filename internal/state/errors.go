package state

import "errors"

var (
	// ErrUnknownCircle is returned when an operation names a circle this
	// node has not joined.
	ErrUnknownCircle = errors.New("unknown circle")

	// ErrUnknownChannel is returned when an operation names a channel that
	// does not exist in the circle.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrBadChannelID is returned for channel ids outside the allowed
	// grammar (lowercase alphanumeric plus - and _, at most 32 chars, no
	// leading __).
	ErrBadChannelID = errors.New("invalid channel id")

	// ErrChannelExists is returned when creating a channel whose id is
	// already taken in the circle.
	ErrChannelExists = errors.New("channel already exists")

	// ErrBadAccessMode is returned for access modes other than public,
	// key, or invite.
	ErrBadAccessMode = errors.New("invalid access mode")

	// ErrKeyRequired is returned when creating or joining a key channel
	// without a key.
	ErrKeyRequired = errors.New("channel key required")

	// ErrWrongChannelKey is returned when a join key does not hash to the
	// channel's key hash.
	ErrWrongChannelKey = errors.New("wrong channel key")

	// ErrInviteOnly is returned when joining an invite channel directly;
	// membership there goes through request and approve.
	ErrInviteOnly = errors.New("channel is invite-only")

	// ErrNotMember is returned when sending into a channel whose member
	// set exists and does not include this node.
	ErrNotMember = errors.New("not a channel member")

	// ErrNotOwner is returned when approving a join request on a channel
	// this node did not create.
	ErrNotOwner = errors.New("not the channel creator")

	// ErrLeaveGeneral is returned when trying to leave the implicit
	// general channel.
	ErrLeaveGeneral = errors.New("cannot leave general")

	// ErrEmptyText is returned for messages with no content after
	// trimming.
	ErrEmptyText = errors.New("empty message text")

	// ErrBadName is returned for empty display or circle names.
	ErrBadName = errors.New("invalid name")
)
