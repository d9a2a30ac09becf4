package contracts

import (
	"fmt"
)

// Validator is implemented by request payloads that can be checked before dispatch
type Validator interface {
	Validate() error
}

// CreateFriendRequest sends a friend request from SenderID to ReceiverID
type CreateFriendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Validate implements Validator
func (r CreateFriendRequest) Validate() error {
	return validatePair("sender", r.SenderID, "receiver", r.ReceiverID)
}

// CreateFriendResponse reports whether the friend request was created
type CreateFriendResponse struct {
	Successful bool `json:"successful"`
}

// UpdateFriendRequest answers a pending friend request
type UpdateFriendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Accept     *bool  `json:"accept,omitempty"`
	Reject     *bool  `json:"reject,omitempty"`
}

// Validate implements Validator
func (r UpdateFriendRequest) Validate() error {
	if err := validatePair("sender", r.SenderID, "receiver", r.ReceiverID); err != nil {
		return err
	}
	// An unanswered update is left to the friend service to decide
	if r.Accept != nil && *r.Accept && r.Reject != nil && *r.Reject {
		return ErrConflictingAnswer
	}
	return nil
}

// UpdateFriendResponse reports whether the answer was recorded
type UpdateFriendResponse struct {
	Successful bool `json:"successful"`
}

// DeleteFriendRequest removes the friendship between SenderID and ReceiverID
type DeleteFriendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Validate implements Validator
func (r DeleteFriendRequest) Validate() error {
	return validatePair("sender", r.SenderID, "receiver", r.ReceiverID)
}

// DeleteFriendResponse reports whether the friendship was removed
type DeleteFriendResponse struct {
	Successful bool `json:"successful"`
}

// GetAllFriendsRequest lists the friends of ID, optionally filtered to open requests
type GetAllFriendsRequest struct {
	ID        string `json:"id"`
	Requests  *bool  `json:"requests,omitempty"`
	Requested *bool  `json:"requested,omitempty"`
}

// Validate implements Validator
func (r GetAllFriendsRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingUserID)
	}
	return nil
}

// User is a friend entry returned by the friend service
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// GetAllFriendsResponse carries the matching users; FoundUsers is false when the user is unknown
type GetAllFriendsResponse struct {
	FoundUsers bool   `json:"foundUsers"`
	Users      []User `json:"users"`
}

// GetFriendStatusRequest asks for the relation between QueryingUser and OtherUser
type GetFriendStatusRequest struct {
	QueryingUser string `json:"queryingUser"`
	OtherUser    string `json:"otherUser"`
}

// Validate implements Validator
func (r GetFriendStatusRequest) Validate() error {
	return validatePair("querying user", r.QueryingUser, "other user", r.OtherUser)
}

// GetFriendStatusResponse carries the friend status. The status value is owned by the
// friend service and passed through verbatim.
type GetFriendStatusResponse struct {
	Successful   bool   `json:"successful"`
	FriendStatus string `json:"friendStatus"`
}

func validatePair(firstName, first, secondName, second string) error {
	if first == "" {
		return fmt.Errorf("%w: %s", ErrMissingUserID, firstName)
	}
	if second == "" {
		return fmt.Errorf("%w: %s", ErrMissingUserID, secondName)
	}
	if first == second {
		return ErrSelfReference
	}
	return nil
}
