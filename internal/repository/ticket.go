// Package repository 数据访问层
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/redis/go-redis/v9"
)

// ErrTicketNotFound 票据不存在
var ErrTicketNotFound = errors.New("票据不存在")

// TicketRepository 票据存储接口
// 存储层只提供窄契约：保存、按标识查询、删除（含级联）、原子消费。
// 过期判断由上层在读取时完成，此处不感知有效期
type TicketRepository interface {
	SaveTGT(ctx context.Context, tgt *model.TicketGrantingTicket) error
	GetTGT(ctx context.Context, id string) (*model.TicketGrantingTicket, error)
	// DeleteTGT 删除 TGT 并级联删除其名下全部 ST/PGT（及 PGT 名下的 PT）。
	// 幂等：删除不存在的 TGT 不报错
	DeleteTGT(ctx context.Context, id string) error

	SaveST(ctx context.Context, st *model.ServiceTicket) error
	GetST(ctx context.Context, id string) (*model.ServiceTicket, error)
	DeleteST(ctx context.Context, id string) error

	SavePGT(ctx context.Context, pgt *model.ProxyGrantingTicket) error
	GetPGT(ctx context.Context, id string) (*model.ProxyGrantingTicket, error)
	// DeletePGT 删除 PGT 并级联删除其名下全部 PT
	DeletePGT(ctx context.Context, id string) error

	SavePT(ctx context.Context, pt *model.ProxyTicket) error
	GetPT(ctx context.Context, id string) (*model.ProxyTicket, error)
	DeletePT(ctx context.Context, id string) error

	// TryConsume 原子消费一次性票据：并发调用中恰有一个返回 true。
	// 票据不存在时返回 ErrTicketNotFound
	TryConsume(ctx context.Context, id string, at time.Time) (bool, error)

	// ListServiceTicketsOf 列出 TGT 名下的 ST 标识
	ListServiceTicketsOf(ctx context.Context, tgtID string) ([]string, error)
}

// Redis key 前缀
const (
	ticketKeyPrefix      = "ticket:"
	tgtChildrenKeyPrefix = "tgt_children:"
	pgtChildrenKeyPrefix = "pgt_children:"
)

// consumeScript 对 consumed_at 字段做原子 check-and-set。
// 返回 -1 票据不存在，1 消费成功，0 已被消费
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HSETNX', KEYS[1], 'consumed_at', ARGV[1])
`)

type ticketRepository struct {
	redis *redis.Client
}

// NewTicketRepository 创建 Redis 票据存储
func NewTicketRepository(client *redis.Client) TicketRepository {
	return &ticketRepository{redis: client}
}

func ticketKey(id string) string {
	return ticketKeyPrefix + id
}

// save 序列化票据写入 Redis hash 的 data 字段。
// 不设置 TTL：过期由上层按配置窗口惰性判断并删除
func (r *ticketRepository) save(ctx context.Context, id string, ticket any) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("序列化票据失败: %w", err)
	}
	if err := r.redis.HSet(ctx, ticketKey(id), "data", data).Err(); err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

// load 读取票据并填充消费状态；不存在时返回 ErrTicketNotFound
func (r *ticketRepository) load(ctx context.Context, id string, ticket any) (consumedAt *time.Time, err error) {
	vals, err := r.redis.HMGet(ctx, ticketKey(id), "data", "consumed_at").Result()
	if err != nil {
		return nil, fmt.Errorf("读取票据失败: %w", err)
	}
	if vals[0] == nil {
		return nil, ErrTicketNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("票据数据类型异常: %T", vals[0])
	}
	if err := json.Unmarshal([]byte(data), ticket); err != nil {
		return nil, fmt.Errorf("反序列化票据失败: %w", err)
	}
	if vals[1] != nil {
		s, ok := vals[1].(string)
		if !ok {
			return nil, fmt.Errorf("消费时间类型异常: %T", vals[1])
		}
		t, perr := time.Parse(time.RFC3339Nano, s)
		if perr != nil {
			return nil, fmt.Errorf("消费时间格式异常: %w", perr)
		}
		consumedAt = &t
	}
	return consumedAt, nil
}

// addChild 将子票据标识登记到父级集合，用于级联删除
func (r *ticketRepository) addChild(ctx context.Context, setKey, childID string) error {
	if err := r.redis.SAdd(ctx, setKey, childID).Err(); err != nil {
		return fmt.Errorf("登记子票据失败: %w", err)
	}
	return nil
}

func (r *ticketRepository) SaveTGT(ctx context.Context, tgt *model.TicketGrantingTicket) error {
	return r.save(ctx, tgt.ID, tgt)
}

func (r *ticketRepository) GetTGT(ctx context.Context, id string) (*model.TicketGrantingTicket, error) {
	if !strings.HasPrefix(id, model.PrefixTGT+"-") {
		return nil, ErrTicketNotFound
	}
	var tgt model.TicketGrantingTicket
	if _, err := r.load(ctx, id, &tgt); err != nil {
		return nil, err
	}
	return &tgt, nil
}

func (r *ticketRepository) DeleteTGT(ctx context.Context, id string) error {
	setKey := tgtChildrenKeyPrefix + id
	children, err := r.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("读取子票据失败: %w", err)
	}
	for _, child := range children {
		if strings.HasPrefix(child, model.PrefixPGT+"-") {
			if err := r.DeletePGT(ctx, child); err != nil {
				return err
			}
			continue
		}
		if err := r.redis.Del(ctx, ticketKey(child)).Err(); err != nil {
			return fmt.Errorf("删除子票据失败: %w", err)
		}
	}
	if err := r.redis.Del(ctx, setKey, ticketKey(id)).Err(); err != nil {
		return fmt.Errorf("删除 TGT 失败: %w", err)
	}
	return nil
}

func (r *ticketRepository) SaveST(ctx context.Context, st *model.ServiceTicket) error {
	if err := r.save(ctx, st.ID, st); err != nil {
		return err
	}
	return r.addChild(ctx, tgtChildrenKeyPrefix+st.TGTID, st.ID)
}

func (r *ticketRepository) GetST(ctx context.Context, id string) (*model.ServiceTicket, error) {
	if !strings.HasPrefix(id, model.PrefixST+"-") {
		return nil, ErrTicketNotFound
	}
	var st model.ServiceTicket
	consumedAt, err := r.load(ctx, id, &st)
	if err != nil {
		return nil, err
	}
	st.ConsumedAt = consumedAt
	return &st, nil
}

func (r *ticketRepository) DeleteST(ctx context.Context, id string) error {
	if err := r.redis.Del(ctx, ticketKey(id)).Err(); err != nil {
		return fmt.Errorf("删除 ST 失败: %w", err)
	}
	return nil
}

func (r *ticketRepository) SavePGT(ctx context.Context, pgt *model.ProxyGrantingTicket) error {
	if err := r.save(ctx, pgt.ID, pgt); err != nil {
		return err
	}
	return r.addChild(ctx, tgtChildrenKeyPrefix+pgt.TGTID, pgt.ID)
}

func (r *ticketRepository) GetPGT(ctx context.Context, id string) (*model.ProxyGrantingTicket, error) {
	if !strings.HasPrefix(id, model.PrefixPGT+"-") {
		return nil, ErrTicketNotFound
	}
	var pgt model.ProxyGrantingTicket
	if _, err := r.load(ctx, id, &pgt); err != nil {
		return nil, err
	}
	return &pgt, nil
}

func (r *ticketRepository) DeletePGT(ctx context.Context, id string) error {
	setKey := pgtChildrenKeyPrefix + id
	children, err := r.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("读取子票据失败: %w", err)
	}
	for _, child := range children {
		if err := r.redis.Del(ctx, ticketKey(child)).Err(); err != nil {
			return fmt.Errorf("删除子票据失败: %w", err)
		}
	}
	if err := r.redis.Del(ctx, setKey, ticketKey(id)).Err(); err != nil {
		return fmt.Errorf("删除 PGT 失败: %w", err)
	}
	return nil
}

func (r *ticketRepository) SavePT(ctx context.Context, pt *model.ProxyTicket) error {
	if err := r.save(ctx, pt.ID, pt); err != nil {
		return err
	}
	return r.addChild(ctx, pgtChildrenKeyPrefix+pt.PGTID, pt.ID)
}

func (r *ticketRepository) GetPT(ctx context.Context, id string) (*model.ProxyTicket, error) {
	if !strings.HasPrefix(id, model.PrefixPT+"-") {
		return nil, ErrTicketNotFound
	}
	var pt model.ProxyTicket
	consumedAt, err := r.load(ctx, id, &pt)
	if err != nil {
		return nil, err
	}
	pt.ConsumedAt = consumedAt
	return &pt, nil
}

func (r *ticketRepository) DeletePT(ctx context.Context, id string) error {
	if err := r.redis.Del(ctx, ticketKey(id)).Err(); err != nil {
		return fmt.Errorf("删除 PT 失败: %w", err)
	}
	return nil
}

func (r *ticketRepository) TryConsume(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := consumeScript.Run(ctx, r.redis,
		[]string{ticketKey(id)},
		at.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("消费票据失败: %w", err)
	}
	switch res {
	case -1:
		return false, ErrTicketNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (r *ticketRepository) ListServiceTicketsOf(ctx context.Context, tgtID string) ([]string, error) {
	children, err := r.redis.SMembers(ctx, tgtChildrenKeyPrefix+tgtID).Result()
	if err != nil {
		return nil, fmt.Errorf("读取子票据失败: %w", err)
	}
	var sts []string
	for _, child := range children {
		if strings.HasPrefix(child, model.PrefixST+"-") {
			sts = append(sts, child)
		}
	}
	return sts, nil
}
