// Package service 业务逻辑层
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"go.uber.org/zap"
)

// 票据相关错误
var (
	ErrTGTNotFound   = errors.New("TGT 不存在")
	ErrTGTExpired    = errors.New("TGT 已过期")
	ErrSTNotFound    = errors.New("Service Ticket 不存在")
	ErrSTExpired     = errors.New("Service Ticket 已过期")
	ErrSTConsumed    = errors.New("Service Ticket 已被使用")
	ErrPGTNotFound   = errors.New("PGT 不存在")
	ErrPGTExpired    = errors.New("PGT 已过期")
	ErrProxyDisabled = errors.New("代理能力未启用")
)

// Outcome 票据校验结果类别
type Outcome string

const (
	OutcomeValid           Outcome = "valid"
	OutcomeNotGiven        Outcome = "not_given"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeExpired         Outcome = "expired"
	OutcomeAlreadyConsumed Outcome = "already_consumed"
	OutcomeServiceMismatch Outcome = "service_mismatch"
	OutcomeUnavailable     Outcome = "unavailable"
)

// ValidationResult 票据校验结果
// 校验失败属于正常控制流，以结果值而非 error 形式返回；
// 仅 Outcome 为 OutcomeValid 时视为通过
type ValidationResult struct {
	Outcome  Outcome
	Message  string
	Username string

	// ProxyChain 代理链（仅 PT 校验），最近的代理在前
	ProxyChain []string

	// PGTIOU 本次校验中成功签发 PGT 时返回
	PGTIOU string
}

// Valid 校验是否通过
func (r *ValidationResult) Valid() bool {
	return r.Outcome == OutcomeValid
}

// TicketService 票据生命周期引擎
// 负责 TGT/ST/PGT/PT 的签发、校验与销毁，是 CAS 协议状态机的实现。
// 过期采用访问触发的惰性清理：读取到过期票据时当场删除（含级联）
type TicketService interface {
	// IssueTGT 登录成功后签发 TGT
	IssueTGT(ctx context.Context, username, clientHostname string) (*model.TicketGrantingTicket, error)
	// ValidateTGTCookie 非消费性校验 TGT Cookie，用于会话/登录页检查
	ValidateTGTCookie(ctx context.Context, cookie string) *ValidationResult
	// DeleteTGT 登出：删除 TGT 及其名下全部票据，幂等
	DeleteTGT(ctx context.Context, id string) error

	// IssueST 基于有效 TGT 为目标服务签发 ST
	IssueST(ctx context.Context, tgtID, service string) (*model.ServiceTicket, error)
	// ValidateST 校验并消费 ST；pgtURL 非空时在同一事务内尝试签发 PGT
	ValidateST(ctx context.Context, id, service, pgtURL string) *ValidationResult

	// IssuePGT 基于未消费的 ST 签发 PGT（校验事务外的编程接口）
	IssuePGT(ctx context.Context, stID, callbackURL string) (*model.ProxyGrantingTicket, error)
	// IssuePT 基于有效 PGT 为后端服务签发 PT
	IssuePT(ctx context.Context, pgtID, targetService string) (*model.ProxyTicket, error)
	// ValidatePT 校验并消费 PT，返回完整代理链
	ValidatePT(ctx context.Context, id, service, pgtURL string) *ValidationResult
}

// TicketServiceConfig 票据服务配置
type TicketServiceConfig struct {
	Windows         config.ExpiryWindows
	ProxyEnabled    bool
	CallbackTimeout time.Duration // PGT 回调超时，默认 5 秒
	Logger          *zap.Logger   // 显式注入，默认 Nop
}

type ticketService struct {
	repo   repository.TicketRepository
	config *TicketServiceConfig
	logger *zap.Logger
	client *http.Client
	now    func() time.Time
}

// NewTicketService 创建票据服务
func NewTicketService(repo repository.TicketRepository, cfg *TicketServiceConfig) TicketService {
	if cfg == nil {
		cfg = &TicketServiceConfig{}
	}
	if cfg.CallbackTimeout == 0 {
		cfg.CallbackTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ticketService{
		repo:   repo,
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: cfg.CallbackTimeout},
		now:    time.Now,
	}
}

// 校验结果消息
const (
	msgNoTicket       = "未提供票据"
	msgNoTGT          = "未提供 TGT"
	msgTicketNotFound = "票据不存在"
	msgTicketUsed     = "票据已被使用"
	msgTicketExpired  = "票据已过期"
	msgMismatch       = "票据与目标服务不匹配"
	msgSessionGone    = "会话已失效，请重新登录"
	msgSessionExpired = "会话已过期，请重新登录"
	msgUnavailable    = "票据存储暂时不可用"
)

func (s *ticketService) IssueTGT(ctx context.Context, username, clientHostname string) (*model.TicketGrantingTicket, error) {
	tgt := &model.TicketGrantingTicket{
		ID:             model.NewTicketID(model.PrefixTGT),
		Username:       username,
		ClientHostname: clientHostname,
		CreatedAt:      s.now(),
	}
	if err := s.repo.SaveTGT(ctx, tgt); err != nil {
		return nil, err
	}
	s.logger.Info("签发 TGT",
		zap.String("username", username),
		zap.String("client", clientHostname),
	)
	return tgt, nil
}

// ValidateTGTCookie 非消费性校验：过期时惰性删除，其余情况不改动票据
func (s *ticketService) ValidateTGTCookie(ctx context.Context, cookie string) *ValidationResult {
	if cookie == "" {
		return &ValidationResult{Outcome: OutcomeNotGiven, Message: msgNoTGT}
	}

	tgt, err := s.repo.GetTGT(ctx, cookie)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return &ValidationResult{Outcome: OutcomeNotFound, Message: msgSessionGone}
		}
		s.logger.Error("读取 TGT 失败", zap.Error(err))
		return &ValidationResult{Outcome: OutcomeUnavailable, Message: msgUnavailable}
	}

	if tgt.IsExpired(s.config.Windows.TGT, s.now()) {
		if err := s.repo.DeleteTGT(ctx, cookie); err != nil {
			s.logger.Error("清理过期 TGT 失败", zap.Error(err))
		}
		return &ValidationResult{Outcome: OutcomeExpired, Message: msgSessionExpired}
	}

	return &ValidationResult{Outcome: OutcomeValid, Username: tgt.Username}
}

func (s *ticketService) DeleteTGT(ctx context.Context, id string) error {
	sts, err := s.repo.ListServiceTicketsOf(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteTGT(ctx, id); err != nil {
		return err
	}
	s.logger.Info("销毁 TGT",
		zap.String("tgt", id),
		zap.Int("invalidated_sts", len(sts)),
	)
	return nil
}

// resolveTGT 读取 TGT 并做惰性过期清理
func (s *ticketService) resolveTGT(ctx context.Context, id string) (*model.TicketGrantingTicket, error) {
	tgt, err := s.repo.GetTGT(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrTGTNotFound
		}
		return nil, err
	}
	if tgt.IsExpired(s.config.Windows.TGT, s.now()) {
		if err := s.repo.DeleteTGT(ctx, id); err != nil {
			s.logger.Error("清理过期 TGT 失败", zap.Error(err))
		}
		return nil, ErrTGTExpired
	}
	return tgt, nil
}

// resolvePGT 读取 PGT 并做惰性过期清理
func (s *ticketService) resolvePGT(ctx context.Context, id string) (*model.ProxyGrantingTicket, error) {
	pgt, err := s.repo.GetPGT(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrPGTNotFound
		}
		return nil, err
	}
	if pgt.IsExpired(s.config.Windows.PGT, s.now()) {
		if err := s.repo.DeletePGT(ctx, id); err != nil {
			s.logger.Error("清理过期 PGT 失败", zap.Error(err))
		}
		return nil, ErrPGTExpired
	}
	return pgt, nil
}

func (s *ticketService) IssueST(ctx context.Context, tgtID, service string) (*model.ServiceTicket, error) {
	tgt, err := s.resolveTGT(ctx, tgtID)
	if err != nil {
		return nil, err
	}

	st := &model.ServiceTicket{
		ID:        model.NewTicketID(model.PrefixST),
		TGTID:     tgt.ID,
		Username:  tgt.Username,
		Service:   service,
		CreatedAt: s.now(),
	}
	if err := s.repo.SaveST(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("签发 ST",
		zap.String("username", tgt.Username),
		zap.String("service", service),
	)
	return st, nil
}

// ValidateST 校验并消费 ST
// 步骤顺序是安全关键：服务匹配在前，消费先于过期判断 —— 无论因过期
// 还是其他原因被拒，进入消费步骤的票据都已烧毁，不存在"再试一次"
func (s *ticketService) ValidateST(ctx context.Context, id, service, pgtURL string) *ValidationResult {
	if id == "" {
		return &ValidationResult{Outcome: OutcomeNotGiven, Message: msgNoTicket}
	}

	st, err := s.repo.GetST(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return &ValidationResult{Outcome: OutcomeNotFound, Message: msgTicketNotFound}
		}
		s.logger.Error("读取 ST 失败", zap.Error(err))
		return &ValidationResult{Outcome: OutcomeUnavailable, Message: msgUnavailable}
	}

	if st.Service != service {
		s.logger.Warn("ST 服务不匹配",
			zap.String("ticket", id),
			zap.String("bound", st.Service),
			zap.String("given", service),
		)
		return &ValidationResult{Outcome: OutcomeServiceMismatch, Message: msgMismatch}
	}

	res := s.consumeAndFinish(ctx, id, st.TGTID, st.CreatedAt, s.config.Windows.ST,
		func() error { return s.repo.DeleteST(ctx, id) })
	if !res.Valid() {
		return res
	}

	if pgtURL != "" {
		res.PGTIOU = s.issuePGTForValidation(ctx, st.TGTID, st.ID, res.Username, pgtURL, nil)
	}
	return res
}

// ValidatePT 校验并消费 PT，算法与 ST 一致，额外返回代理链
func (s *ticketService) ValidatePT(ctx context.Context, id, service, pgtURL string) *ValidationResult {
	if id == "" {
		return &ValidationResult{Outcome: OutcomeNotGiven, Message: msgNoTicket}
	}

	pt, err := s.repo.GetPT(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return &ValidationResult{Outcome: OutcomeNotFound, Message: msgTicketNotFound}
		}
		s.logger.Error("读取 PT 失败", zap.Error(err))
		return &ValidationResult{Outcome: OutcomeUnavailable, Message: msgUnavailable}
	}

	if pt.Service != service {
		s.logger.Warn("PT 服务不匹配",
			zap.String("ticket", id),
			zap.String("bound", pt.Service),
			zap.String("given", service),
		)
		return &ValidationResult{Outcome: OutcomeServiceMismatch, Message: msgMismatch}
	}

	// PT 的归属链经 PGT 回溯到 TGT
	pgt, err := s.resolvePGT(ctx, pt.PGTID)
	if err != nil {
		if errors.Is(err, ErrPGTNotFound) || errors.Is(err, ErrPGTExpired) {
			_ = s.repo.DeletePT(ctx, id)
			return &ValidationResult{Outcome: OutcomeExpired, Message: msgSessionExpired}
		}
		s.logger.Error("读取 PGT 失败", zap.Error(err))
		return &ValidationResult{Outcome: OutcomeUnavailable, Message: msgUnavailable}
	}

	res := s.consumeAndFinish(ctx, id, pgt.TGTID, pt.CreatedAt, s.config.Windows.PT,
		func() error { return s.repo.DeletePT(ctx, id) })
	if !res.Valid() {
		return res
	}

	res.ProxyChain = pt.ProxyChain
	if pgtURL != "" {
		res.PGTIOU = s.issuePGTForValidation(ctx, pgt.TGTID, pt.ID, res.Username, pgtURL, pt.ProxyChain)
	}
	return res
}

// consumeAndFinish 一次性票据校验的公共尾段：
// 原子消费 → 过期判断（过期也已消费，当场删除）→ 回溯 TGT 取用户名
func (s *ticketService) consumeAndFinish(ctx context.Context, id, tgtID string, createdAt time.Time, window time.Duration, remove func() error) *ValidationResult {
	ok, err := s.repo.TryConsume(ctx, id, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return &ValidationResult{Outcome: OutcomeNotFound, Message: msgTicketNotFound}
		}
		s.logger.Error("消费票据失败", zap.Error(err))
		return &ValidationResult{Outcome: OutcomeUnavailable, Message: msgUnavailable}
	}
	if !ok {
		// 二次出示一次性票据，疑似重放，单独记录供安全监控
		s.logger.Warn("票据重复使用", zap.String("ticket", id))
		return &ValidationResult{Outcome: OutcomeAlreadyConsumed, Message: msgTicketUsed}
	}

	if model.Expired(createdAt, window, s.now()) {
		if err := remove(); err != nil {
			s.logger.Error("清理过期票据失败", zap.Error(err))
		}
		return &ValidationResult{Outcome: OutcomeExpired, Message: msgTicketExpired}
	}

	tgt, err := s.resolveTGT(ctx, tgtID)
	if err != nil {
		if errors.Is(err, ErrTGTNotFound) || errors.Is(err, ErrTGTExpired) {
			// 所属会话已经终结，级联失效
			if rerr := remove(); rerr != nil {
				s.logger.Error("清理孤儿票据失败", zap.Error(rerr))
			}
			return &ValidationResult{Outcome: OutcomeExpired, Message: msgSessionExpired}
		}
		s.logger.Error("读取 TGT 失败", zap.Error(err))
		return &ValidationResult{Outcome: OutcomeUnavailable, Message: msgUnavailable}
	}

	return &ValidationResult{Outcome: OutcomeValid, Username: tgt.Username}
}

func (s *ticketService) IssuePGT(ctx context.Context, stID, callbackURL string) (*model.ProxyGrantingTicket, error) {
	if !s.config.ProxyEnabled {
		return nil, ErrProxyDisabled
	}

	st, err := s.repo.GetST(ctx, stID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, ErrSTNotFound
		}
		return nil, err
	}
	if st.Consumed() {
		return nil, ErrSTConsumed
	}
	if st.IsExpired(s.config.Windows.ST, s.now()) {
		_ = s.repo.DeleteST(ctx, stID)
		return nil, ErrSTExpired
	}

	return s.issuePGT(ctx, st.TGTID, st.ID, st.Username, callbackURL, nil)
}

// issuePGT 创建并保存 PGT，代理链为本回调地址加上游链
func (s *ticketService) issuePGT(ctx context.Context, tgtID, parentID, username, callbackURL string, parentChain []string) (*model.ProxyGrantingTicket, error) {
	pgt := &model.ProxyGrantingTicket{
		ID:          model.NewTicketID(model.PrefixPGT),
		IOU:         model.NewTicketID(model.PrefixPGTIOU),
		TGTID:       tgtID,
		STID:        parentID,
		Username:    username,
		CallbackURL: callbackURL,
		CreatedAt:   s.now(),
		ProxyChain:  append([]string{callbackURL}, parentChain...),
	}
	if err := s.repo.SavePGT(ctx, pgt); err != nil {
		return nil, err
	}
	s.logger.Info("签发 PGT",
		zap.String("username", username),
		zap.String("callback", callbackURL),
	)
	return pgt, nil
}

// issuePGTForValidation 校验事务内的 PGT 签发：
// 先执行回调确认对方持有 pgtUrl，成功才落盘并返回 IOU；
// 任何失败都不影响本次校验结果，仅不返回 IOU
func (s *ticketService) issuePGTForValidation(ctx context.Context, tgtID, parentID, username, callbackURL string, parentChain []string) string {
	if !s.config.ProxyEnabled {
		s.logger.Warn("代理能力未启用，忽略 pgtUrl", zap.String("callback", callbackURL))
		return ""
	}

	pgtID := model.NewTicketID(model.PrefixPGT)
	iou := model.NewTicketID(model.PrefixPGTIOU)
	if err := s.proxyCallback(ctx, callbackURL, pgtID, iou); err != nil {
		s.logger.Warn("PGT 回调失败",
			zap.String("callback", callbackURL),
			zap.Error(err),
		)
		return ""
	}

	pgt := &model.ProxyGrantingTicket{
		ID:          pgtID,
		IOU:         iou,
		TGTID:       tgtID,
		STID:        parentID,
		Username:    username,
		CallbackURL: callbackURL,
		CreatedAt:   s.now(),
		ProxyChain:  append([]string{callbackURL}, parentChain...),
	}
	if err := s.repo.SavePGT(ctx, pgt); err != nil {
		s.logger.Error("存储 PGT 失败", zap.Error(err))
		return ""
	}
	s.logger.Info("签发 PGT",
		zap.String("username", username),
		zap.String("callback", callbackURL),
	)
	return iou
}

// proxyCallback 按 CAS 协议向 pgtUrl 回调 pgtId/pgtIou，要求 2xx
func (s *ticketService) proxyCallback(ctx context.Context, callbackURL, pgtID, iou string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("回调地址无效: %w", err)
	}
	q := u.Query()
	q.Set("pgtId", pgtID)
	q.Set("pgtIou", iou)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("回调返回状态 %d", resp.StatusCode)
	}
	return nil
}

func (s *ticketService) IssuePT(ctx context.Context, pgtID, targetService string) (*model.ProxyTicket, error) {
	pgt, err := s.resolvePGT(ctx, pgtID)
	if err != nil {
		return nil, err
	}

	pt := &model.ProxyTicket{
		ID:         model.NewTicketID(model.PrefixPT),
		PGTID:      pgt.ID,
		Username:   pgt.Username,
		Service:    targetService,
		CreatedAt:  s.now(),
		ProxyChain: pgt.ProxyChain,
	}
	if err := s.repo.SavePT(ctx, pt); err != nil {
		return nil, err
	}
	s.logger.Info("签发 PT",
		zap.String("username", pgt.Username),
		zap.String("service", targetService),
	)
	return pt, nil
}
