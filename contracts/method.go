package contracts

// Method names of the friend service
const (
	MethodGetAllFriends   = "GetAllFriends"
	MethodGetFriendStatus = "GetFriendStatus"
	MethodCreateFriend    = "CreateFriend"
	MethodDeleteFriend    = "DeleteFriend"
	MethodUpdateFriend    = "UpdateFriend"
)

// Method identifies a remote operation and binds its request and reply payload types.
// Values can only be created inside this package, so the set of methods is closed.
type Method[Req, Resp any] struct {
	name string
}

// Name returns the wire name of the method
func (m Method[Req, Resp]) Name() string {
	return m.name
}

func (m Method[Req, Resp]) String() string {
	return m.name
}

var (
	CreateFriend    = Method[CreateFriendRequest, CreateFriendResponse]{name: MethodCreateFriend}
	UpdateFriend    = Method[UpdateFriendRequest, UpdateFriendResponse]{name: MethodUpdateFriend}
	DeleteFriend    = Method[DeleteFriendRequest, DeleteFriendResponse]{name: MethodDeleteFriend}
	GetAllFriends   = Method[GetAllFriendsRequest, GetAllFriendsResponse]{name: MethodGetAllFriends}
	GetFriendStatus = Method[GetFriendStatusRequest, GetFriendStatusResponse]{name: MethodGetFriendStatus}
)

var knownMethods = map[string]struct{}{
	MethodGetAllFriends:   {},
	MethodGetFriendStatus: {},
	MethodCreateFriend:    {},
	MethodDeleteFriend:    {},
	MethodUpdateFriend:    {},
}

// IsKnownMethod reports whether name belongs to the method set
func IsKnownMethod(name string) bool {
	_, ok := knownMethods[name]
	return ok
}

// Methods returns the wire names of all methods in a stable order
func Methods() []string {
	return []string{
		MethodCreateFriend,
		MethodUpdateFriend,
		MethodDeleteFriend,
		MethodGetAllFriends,
		MethodGetFriendStatus,
	}
}
