package cache

import "fmt"

// Key semantics:
// - roomKey(entity):   session members (ZSet<userID, expireAtUnix>, score=expireAt)
// - namesKey(entity):  userID -> display name (Hash)
// - stateKey(entity, userID): latest presence state JSON (String with TTL)
// - entitiesKey:       index of entities with live sessions (Set<entity>)

const (
	keyRoomFmt     = "presence:room:{%s}"
	keyNamesFmt    = "presence:room:names:{%s}"
	keyStateFmt    = "presence:state:%s:%s"
	keyEntitiesSet = "presence:entities"
)

func roomKey(entity string) string  { return fmt.Sprintf(keyRoomFmt, entity) }
func namesKey(entity string) string { return fmt.Sprintf(keyNamesFmt, entity) }

func stateKey(entity, userID string) string { return fmt.Sprintf(keyStateFmt, entity, userID) }

func entitiesKey() string { return keyEntitiesSet }
