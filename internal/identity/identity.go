package identity

import "github.com/minisocial/chatsync/internal/chaterr"

// Self describes the local user as known to the remote store.
type Self struct {
	UserID    string
	Name      string
	AvatarURL string
}

// Provider supplies the identity the engine acts as. Every remote write and
// every ownership check goes through it.
type Provider interface {
	Self() (Self, error)
}

// Static is a Provider backed by configuration. It fails loudly when no user
// id is configured rather than letting writes go out unattributed.
type Static struct {
	self Self
}

func NewStatic(userID, name, avatarURL string) *Static {
	return &Static{self: Self{UserID: userID, Name: name, AvatarURL: avatarURL}}
}

func (s *Static) Self() (Self, error) {
	if s.self.UserID == "" {
		return Self{}, chaterr.New(chaterr.NotAuthenticated, "no user identity configured")
	}
	return s.self, nil
}
