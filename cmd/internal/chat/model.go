package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role identifies which side of a conversation a party acts for.
type Role string

const (
	RoleClub  Role = "club"
	RoleBrand Role = "brand"
)

// ParseRole normalizes s into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleClub:
		return RoleClub, nil
	case RoleBrand:
		return RoleBrand, nil
	default:
		return "", fmt.Errorf("chat: unknown role %q", s)
	}
}

// Valid reports whether r is one of the two party roles.
func (r Role) Valid() bool { return r == RoleClub || r == RoleBrand }

// Viewer is the signed-in party. It is supplied by the auth context and never mutated here.
type Viewer struct {
	ID   string
	Role Role
}

// Profile is the denormalized display data of one party.
type Profile struct {
	Name      string
	AvatarURL string
}

// Conversation is a single accepted pairing between a club and a brand over one application.
type Conversation struct {
	ID            string
	ClubID        string
	BrandID       string
	ApplicationID string
	OpportunityID string

	Club  Profile
	Brand Profile

	CreatedAt time.Time
	UpdatedAt time.Time

	// UnreadCount is relative to the viewer the conversation was fetched for.
	UnreadCount int
}

// PartyID returns the id of the party acting as role.
func (c Conversation) PartyID(role Role) string {
	if role == RoleBrand {
		return c.BrandID
	}
	return c.ClubID
}

// Counterpart returns the id and profile of the party that is not viewer.
func (c Conversation) Counterpart(viewerID string) (string, Profile) {
	if viewerID == c.ClubID {
		return c.BrandID, c.Brand
	}
	return c.ClubID, c.Club
}

// HasParty reports whether partyID is one of the two parties.
func (c Conversation) HasParty(partyID string) bool {
	return partyID != "" && (partyID == c.ClubID || partyID == c.BrandID)
}

// Message is an atomic unit of conversation content.
//
// ID holds the authoritative id once the store accepted the write. Optimistic
// messages carry a temporary id in both ID and ClientMsgID and have Pending set.
type Message struct {
	ID             string
	ClientMsgID    string
	ConversationID string
	SenderID       string
	SenderRole     Role
	Content        string
	Read           bool
	CreatedAt      time.Time

	Pending bool
}

// SortMessages orders msgs by creation time ascending, keeping the relative order of equal timestamps.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

// SortConversations orders convs by UpdatedAt descending, ties broken by id for a stable listing.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
