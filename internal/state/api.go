package state

import (
	"fmt"
	"strings"

	"github.com/felundnet/felund/internal/control"
	"github.com/felundnet/felund/internal/fcrypto"
)

// CreateCircle generates a fresh circle secret, derives its id, and joins
// it. name is optional; when set it is gossiped as the circle's label.
func (s *Store) CreateCircle(name string) (Circle, error) {
	secretHex, err := fcrypto.NewSecret()
	if err != nil {
		return Circle{}, fmt.Errorf("create circle: %w", err)
	}
	return s.AddCircle(secretHex, name)
}

// AddCircle joins a circle by its shared secret. Joining a circle this
// node already has is a no-op that at most fills in a missing name.
func (s *Store) AddCircle(secretHex, name string) (Circle, error) {
	circleID, err := fcrypto.CircleID(secretHex)
	if err != nil {
		return Circle{}, fmt.Errorf("add circle: %w", err)
	}
	name = NormalizeDisplayName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.circles[circleID]; ok {
		if name != "" && existing.Name == "" {
			existing.Name = name
			s.persistLocked()
		}
		return *existing, nil
	}
	circle := &Circle{CircleID: circleID, SecretHex: secretHex, Name: name}
	s.circles[circleID] = circle
	s.memberLocked(circleID, s.node.NodeID)
	s.ensureGeneralLocked(circleID)
	if name != "" {
		ev := control.CircleNameEvent{CircleID: circleID, Name: name}
		if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
			return Circle{}, err
		}
	}
	s.persistLocked()
	return *circle, nil
}

// LeaveCircle forgets a circle and everything scoped to it. Peers still
// referenced by another circle survive. Reports whether the circle was
// known.
func (s *Store) LeaveCircle(circleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[circleID]; !ok {
		return false
	}
	delete(s.circles, circleID)
	delete(s.circlePeers, circleID)
	delete(s.channels, circleID)
	delete(s.channelMembers, circleID)
	delete(s.channelRequests, circleID)
	delete(s.anchorRecords, circleID)
	delete(s.anchorEnvelopes, circleID)
	for id, m := range s.messages {
		if m.CircleID == circleID {
			delete(s.messages, id)
		}
	}
	referenced := make(map[string]bool)
	for _, set := range s.circlePeers {
		for id := range set {
			referenced[id] = true
		}
	}
	for id := range s.peers {
		if !referenced[id] {
			delete(s.peers, id)
		}
	}
	s.persistLocked()
	return true
}

// SendMessage authors a chat message into a channel. The channel must
// exist and, when it has a member set, include this node.
func (s *Store) SendMessage(circleID, channelID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	channelID = normalizeChannelID(channelID)
	if channelID == "" {
		channelID = GeneralChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return Message{}, ErrUnknownCircle
	}
	s.ensureGeneralLocked(circleID)
	if s.channels[circleID][channelID] == nil {
		return Message{}, ErrUnknownChannel
	}
	if !s.canSendLocked(circleID, channelID) {
		return Message{}, ErrNotMember
	}
	m, err := s.newMessageLocked(circle, channelID, text)
	if err != nil {
		return Message{}, err
	}
	s.persistLocked()
	return m, nil
}

// CreateChannel posts and applies a channel create event. For key
// channels the key is hashed here; the plaintext key is never stored.
func (s *Store) CreateChannel(circleID, channelID, accessMode, key string) (Channel, error) {
	channelID = normalizeChannelID(channelID)
	if !control.ValidChannelID(channelID) {
		return Channel{}, ErrBadChannelID
	}
	switch accessMode {
	case AccessPublic, AccessKey, AccessInvite:
	default:
		return Channel{}, ErrBadAccessMode
	}
	if accessMode == AccessKey && key == "" {
		return Channel{}, ErrKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return Channel{}, ErrUnknownCircle
	}
	s.ensureGeneralLocked(circleID)
	if s.channels[circleID][channelID] != nil {
		return Channel{}, ErrChannelExists
	}
	keyHash := ""
	if accessMode == AccessKey {
		keyHash = fcrypto.ChannelKeyHash(circleID, channelID, key)
	}
	ev := control.ChannelEvent{
		Op:          control.OpCreate,
		CircleID:    circleID,
		ChannelID:   channelID,
		ActorNodeID: s.node.NodeID,
		AccessMode:  accessMode,
		KeyHash:     keyHash,
		CreatedTS:   s.now(),
	}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return Channel{}, err
	}
	s.applyChannelEventLocked(circleID, ev)
	s.persistLocked()
	return *s.channels[circleID][channelID], nil
}

// JoinChannel posts and applies a join event. Key channels require the
// key; its hash rides in the event so receivers can verify it too. Invite
// channels reject direct joins.
func (s *Store) JoinChannel(circleID, channelID, key string) error {
	channelID = normalizeChannelID(channelID)
	if !control.ValidChannelID(channelID) {
		return ErrBadChannelID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return ErrUnknownCircle
	}
	s.ensureGeneralLocked(circleID)
	ch := s.channels[circleID][channelID]
	if ch == nil {
		return ErrUnknownChannel
	}
	keyHash := ""
	switch ch.AccessMode {
	case AccessInvite:
		return ErrInviteOnly
	case AccessKey:
		if key == "" {
			return ErrKeyRequired
		}
		keyHash = fcrypto.ChannelKeyHash(circleID, channelID, key)
		if keyHash != ch.KeyHash {
			return ErrWrongChannelKey
		}
	}
	ev := control.ChannelEvent{
		Op:          control.OpJoin,
		CircleID:    circleID,
		ChannelID:   channelID,
		ActorNodeID: s.node.NodeID,
		NodeID:      s.node.NodeID,
		KeyHash:     keyHash,
		CreatedTS:   s.now(),
	}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return err
	}
	s.applyChannelEventLocked(circleID, ev)
	s.persistLocked()
	return nil
}

// LeaveChannel posts and applies a leave event. general cannot be left.
func (s *Store) LeaveChannel(circleID, channelID string) error {
	channelID = normalizeChannelID(channelID)
	if !control.ValidChannelID(channelID) {
		return ErrBadChannelID
	}
	if channelID == GeneralChannel {
		return ErrLeaveGeneral
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return ErrUnknownCircle
	}
	s.ensureGeneralLocked(circleID)
	if s.channels[circleID][channelID] == nil {
		return ErrUnknownChannel
	}
	ev := control.ChannelEvent{
		Op:          control.OpLeave,
		CircleID:    circleID,
		ChannelID:   channelID,
		ActorNodeID: s.node.NodeID,
		NodeID:      s.node.NodeID,
		CreatedTS:   s.now(),
	}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return err
	}
	s.applyChannelEventLocked(circleID, ev)
	s.persistLocked()
	return nil
}

// RequestJoin posts and applies a join request for an invite channel.
func (s *Store) RequestJoin(circleID, channelID string) error {
	channelID = normalizeChannelID(channelID)
	if !control.ValidChannelID(channelID) {
		return ErrBadChannelID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return ErrUnknownCircle
	}
	s.ensureGeneralLocked(circleID)
	ch := s.channels[circleID][channelID]
	if ch == nil {
		return ErrUnknownChannel
	}
	if ch.AccessMode != AccessInvite {
		return ErrBadAccessMode
	}
	ev := control.ChannelEvent{
		Op:          control.OpRequest,
		CircleID:    circleID,
		ChannelID:   channelID,
		ActorNodeID: s.node.NodeID,
		NodeID:      s.node.NodeID,
		CreatedTS:   s.now(),
	}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return err
	}
	s.applyChannelEventLocked(circleID, ev)
	s.persistLocked()
	return nil
}

// ApproveJoin posts and applies an approval, admitting targetNodeID. Only
// the channel creator can approve; receivers enforce the same rule.
func (s *Store) ApproveJoin(circleID, channelID, targetNodeID string) error {
	channelID = normalizeChannelID(channelID)
	if !control.ValidChannelID(channelID) {
		return ErrBadChannelID
	}
	if targetNodeID == "" {
		return ErrBadName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return ErrUnknownCircle
	}
	s.ensureGeneralLocked(circleID)
	ch := s.channels[circleID][channelID]
	if ch == nil {
		return ErrUnknownChannel
	}
	if ch.CreatedBy != s.node.NodeID {
		return ErrNotOwner
	}
	ev := control.ChannelEvent{
		Op:           control.OpApprove,
		CircleID:     circleID,
		ChannelID:    channelID,
		ActorNodeID:  s.node.NodeID,
		TargetNodeID: targetNodeID,
		CreatedTS:    s.now(),
	}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return err
	}
	s.applyChannelEventLocked(circleID, ev)
	s.persistLocked()
	return nil
}

// Rename changes this node's display name and gossips a rename event into
// every circle. Returns the normalized name.
func (s *Store) Rename(name string) (string, error) {
	name = NormalizeDisplayName(name)
	if name == "" {
		return "", ErrBadName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node.DisplayName = name
	s.displayNames[s.node.NodeID] = name
	for _, circle := range s.circles {
		ev := control.ChannelEvent{
			Op:          control.OpRename,
			CircleID:    circle.CircleID,
			ActorNodeID: s.node.NodeID,
			NodeID:      s.node.NodeID,
			DisplayName: name,
			CreatedTS:   s.now(),
		}
		if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
			return "", err
		}
	}
	s.persistLocked()
	return name, nil
}

// SetCircleName labels a circle locally and gossips the label. A local
// set always wins over gossiped names.
func (s *Store) SetCircleName(circleID, name string) error {
	name = NormalizeDisplayName(name)
	if name == "" {
		return ErrBadName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return ErrUnknownCircle
	}
	circle.Name = name
	ev := control.CircleNameEvent{CircleID: circleID, Name: name}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return err
	}
	s.persistLocked()
	return nil
}

// AnnounceAnchor gossips this node's anchor posture into a circle and
// applies it locally so the node appears in its own anchor records.
func (s *Store) AnnounceAnchor(circleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return ErrUnknownCircle
	}
	ev := control.AnchorAnnounceEvent{
		NodeID: s.node.NodeID,
		Capabilities: control.Capabilities{
			CanAnchor:       s.node.CanAnchor,
			IsMobile:        s.node.IsMobile,
			PublicReachable: s.node.PublicReachable,
		},
		AnnouncedAt: s.now(),
	}
	if _, err := s.newMessageLocked(circle, control.ChannelID, ev.Encode()); err != nil {
		return err
	}
	s.applyAnchorAnnounceLocked(circleID, ev)
	s.persistLocked()
	return nil
}

// newMessageLocked builds, MACs, and stores a locally authored message.
func (s *Store) newMessageLocked(circle *Circle, channelID, text string) (Message, error) {
	created := s.now()
	m := Message{
		MsgID:        fcrypto.NewMessageID(s.node.NodeID, created),
		CircleID:     circle.CircleID,
		ChannelID:    channelID,
		AuthorNodeID: s.node.NodeID,
		DisplayName:  s.node.DisplayName,
		CreatedTS:    created,
		Text:         text,
	}
	mac, err := fcrypto.MessageMAC(circle.SecretHex, m.Fields())
	if err != nil {
		return Message{}, fmt.Errorf("message mac: %w", err)
	}
	m.MAC = mac
	stored := m
	s.messages[m.MsgID] = &stored
	return m, nil
}

// canSendLocked reports whether this node may post into a channel. An
// empty member set means the channel is open.
func (s *Store) canSendLocked(circleID, channelID string) bool {
	members := s.channelMembers[circleID][channelID]
	if len(members) == 0 {
		return true
	}
	return members[s.node.NodeID]
}
