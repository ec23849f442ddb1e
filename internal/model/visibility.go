package model

// Role is the part a participant plays for a particular message.
type Role int

const (
	RoleSender Role = iota + 1
	RoleRecipient
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleRecipient:
		return "recipient"
	}
	return "unknown"
}

// Visibility is the soft-delete state of a message.
type Visibility int

const (
	Visible Visibility = iota
	HiddenFromSender
	HiddenFromRecipient
	HiddenFromBoth
)

func (v Visibility) String() string {
	switch v {
	case Visible:
		return "visible"
	case HiddenFromSender:
		return "hidden-from-sender"
	case HiddenFromRecipient:
		return "hidden-from-recipient"
	case HiddenFromBoth:
		return "hidden-from-both"
	}
	return "invalid"
}

// VisibilityOf decodes the per-side deletion flags.
func VisibilityOf(deletedForSender, deletedForRecipient bool) Visibility {
	switch {
	case deletedForSender && deletedForRecipient:
		return HiddenFromBoth
	case deletedForSender:
		return HiddenFromSender
	case deletedForRecipient:
		return HiddenFromRecipient
	}
	return Visible
}

// Flags encodes v as (deletedForSender, deletedForRecipient, deleted).
// deleted is true exactly when both sides are hidden.
func (v Visibility) Flags() (deletedForSender, deletedForRecipient, deleted bool) {
	switch v {
	case HiddenFromSender:
		return true, false, false
	case HiddenFromRecipient:
		return false, true, false
	case HiddenFromBoth:
		return true, true, true
	}
	return false, false, false
}

// Hide returns the state after role hides the message. Hiding is idempotent
// and never reveals the other side.
func (v Visibility) Hide(role Role) Visibility {
	switch role {
	case RoleSender:
		switch v {
		case Visible:
			return HiddenFromSender
		case HiddenFromRecipient:
			return HiddenFromBoth
		}
	case RoleRecipient:
		switch v {
		case Visible:
			return HiddenFromRecipient
		case HiddenFromSender:
			return HiddenFromBoth
		}
	}
	return v
}

// VisibleTo reports whether a participant with the given role still sees the message.
func (v Visibility) VisibleTo(role Role) bool {
	switch role {
	case RoleSender:
		return v == Visible || v == HiddenFromRecipient
	case RoleRecipient:
		return v == Visible || v == HiddenFromSender
	}
	return false
}
