package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/session"
)

// PresenceCache shares session membership across server instances. The
// in-process session.Manager stays authoritative for connections it owns;
// the cache lets other instances list who is editing an entity.
type PresenceCache interface {
	AddMember(ctx context.Context, ref ot.EntityRef, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, ref ot.EntityRef, userID string) error
	AliveMembers(ctx context.Context, ref ot.EntityRef) ([]Member, error)
	ActiveEntities(ctx context.Context) ([]ot.EntityRef, error)
	SetState(ctx context.Context, ref ot.EntityRef, p session.Presence, ttl time.Duration) error
	GetState(ctx context.Context, ref ot.EntityRef, userID string) (session.Presence, error)
}

type Member struct {
	UserID      string
	DisplayName string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember registers or refreshes a member. Refreshing the logical TTL is
// the same call: the ZSET score is the expiry instant in unix seconds.
func (p *redisPresence) AddMember(ctx context.Context, ref ot.EntityRef, userID, displayName string, ttl time.Duration) error {
	entity := ref.String()
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(entity), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(entity), userID, displayName)
	tx.SAdd(ctx, entitiesKey(), entity)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, ref ot.EntityRef, userID string) error {
	entity := ref.String()
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(entity), userID)
	tx.HDel(ctx, namesKey(entity), userID)
	tx.Del(ctx, stateKey(entity, userID))
	_, err := tx.Exec(ctx)
	return err
}

// Expired members are swept inline so readers never see ghosts. The sweep
// and the HDEL must be atomic, hence the script.
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, ref ot.EntityRef) ([]Member, error) {
	entity := ref.String()
	now := time.Now().Unix()

	if _, err := sweepScript.Run(ctx, p.rdb, []string{roomKey(entity), namesKey(entity)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(entity), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(entity), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, DisplayName: name})
	}
	return members, nil
}

func (p *redisPresence) ActiveEntities(ctx context.Context) ([]ot.EntityRef, error) {
	entities, err := p.rdb.SMembers(ctx, entitiesKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	refs := make([]ot.EntityRef, 0, len(entities))
	for _, e := range entities {
		if ref, ok := parseEntity(e); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (p *redisPresence) SetState(ctx context.Context, ref ot.EntityRef, pres session.Presence, ttl time.Duration) error {
	data, err := json.Marshal(pres)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, stateKey(ref.String(), pres.UserID), data, ttl).Err()
}

func (p *redisPresence) GetState(ctx context.Context, ref ot.EntityRef, userID string) (session.Presence, error) {
	var pres session.Presence
	data, err := p.rdb.Get(ctx, stateKey(ref.String(), userID)).Bytes()
	if err != nil {
		return pres, err
	}
	if err := json.Unmarshal(data, &pres); err != nil {
		return pres, err
	}
	return pres, nil
}

func parseEntity(s string) (ot.EntityRef, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return ot.EntityRef{Type: s[:i], ID: s[i+1:]}, true
		}
	}
	return ot.EntityRef{}, false
}
