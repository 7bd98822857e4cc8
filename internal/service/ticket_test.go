package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 创建测试用的票据服务，时钟可控
func setupTicketService(t *testing.T, cfg *TicketServiceConfig) (*ticketService, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := repository.NewTicketRepository(client)
	if cfg == nil {
		cfg = &TicketServiceConfig{
			Windows: config.ExpiryWindows{
				TGT: 8 * time.Hour,
				ST:  5 * time.Minute,
				PGT: 8 * time.Hour,
				PT:  5 * time.Minute,
			},
			ProxyEnabled: true,
		}
	}
	svc := NewTicketService(repo, cfg).(*ticketService)

	clock := time.Now()
	svc.now = func() time.Time { return clock }
	return svc, &clock
}

func TestTicketService_IssueTGT(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", "host1")
	require.NoError(t, err)
	assert.NotEmpty(t, tgt.ID)
	assert.Equal(t, "alice", tgt.Username)
	assert.Equal(t, tgt.ID, tgt.ToCookie())
}

// 场景：签发 TGT → 签发 ST → 校验通过 → 重复校验已被使用
func TestTicketService_ValidateST(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", "host1")
	require.NoError(t, err)

	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	require.True(t, res.Valid(), "首次校验应通过: %s", res.Message)
	assert.Equal(t, "alice", res.Username)

	// 一次性票据，第二次出示即已被使用
	res = svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.Equal(t, OutcomeAlreadyConsumed, res.Outcome)
}

func TestTicketService_ValidateST_NotGiven(t *testing.T) {
	svc, _ := setupTicketService(t, nil)

	res := svc.ValidateST(context.Background(), "", "https://svc.example", "")
	assert.Equal(t, OutcomeNotGiven, res.Outcome)
}

func TestTicketService_ValidateST_NotFound(t *testing.T) {
	svc, _ := setupTicketService(t, nil)

	res := svc.ValidateST(context.Background(), "ST-nonexistent", "https://svc.example", "")
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

// 服务不匹配在消费之前判定，票据未被烧毁，换正确服务仍可通过
func TestTicketService_ValidateST_ServiceMismatch(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	res := svc.ValidateST(ctx, st.ID, "https://evil.example", "")
	assert.Equal(t, OutcomeServiceMismatch, res.Outcome)

	res = svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.True(t, res.Valid())
}

// 场景：ST 有效期 10 分钟，11 分钟后校验过期；再校验不存在（已清理）
func TestTicketService_ValidateST_Expired(t *testing.T) {
	svc, clock := setupTicketService(t, &TicketServiceConfig{
		Windows: config.ExpiryWindows{
			TGT: 8 * time.Hour,
			ST:  10 * time.Minute,
		},
	})
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	*clock = clock.Add(11 * time.Minute)

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.Equal(t, OutcomeExpired, res.Outcome)

	// 过期票据已被惰性清理
	res = svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

// 有效期窗口为 0 表示永不过期
func TestTicketService_ValidateST_NeverExpires(t *testing.T) {
	svc, clock := setupTicketService(t, &TicketServiceConfig{
		Windows: config.ExpiryWindows{TGT: 0, ST: 0},
	})
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	*clock = clock.Add(1000 * 24 * time.Hour)

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.True(t, res.Valid())
}

// TGT 过期后签发 ST 失败，且过期 TGT 被惰性清理
func TestTicketService_IssueST_TGTExpired(t *testing.T) {
	svc, clock := setupTicketService(t, &TicketServiceConfig{
		Windows: config.ExpiryWindows{TGT: time.Hour, ST: 5 * time.Minute},
	})
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")

	*clock = clock.Add(2 * time.Hour)

	_, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	assert.ErrorIs(t, err, ErrTGTExpired)

	// 再次访问为不存在
	_, err = svc.IssueST(ctx, tgt.ID, "https://svc.example")
	assert.ErrorIs(t, err, ErrTGTNotFound)
}

func TestTicketService_IssueST_TGTNotFound(t *testing.T) {
	svc, _ := setupTicketService(t, nil)

	_, err := svc.IssueST(context.Background(), "TGC-nonexistent", "https://svc.example")
	assert.ErrorIs(t, err, ErrTGTNotFound)
}

// 级联失效：登出后 TGT 名下的 ST 全部不可用
func TestTicketService_DeleteTGT_Cascade(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTGT(ctx, tgt.ID))

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

// 登出幂等：重复删除同一 TGT 不报错
func TestTicketService_DeleteTGT_Idempotent(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	require.NoError(t, svc.DeleteTGT(ctx, tgt.ID))
	require.NoError(t, svc.DeleteTGT(ctx, tgt.ID))
}

func TestTicketService_ValidateTGTCookie(t *testing.T) {
	svc, clock := setupTicketService(t, &TicketServiceConfig{
		Windows: config.ExpiryWindows{TGT: time.Hour},
	})
	ctx := context.Background()

	res := svc.ValidateTGTCookie(ctx, "")
	assert.Equal(t, OutcomeNotGiven, res.Outcome)

	res = svc.ValidateTGTCookie(ctx, "TGC-nonexistent")
	assert.Equal(t, OutcomeNotFound, res.Outcome)

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")

	// 非消费性校验：多次校验都通过
	for i := 0; i < 3; i++ {
		res = svc.ValidateTGTCookie(ctx, tgt.ID)
		require.True(t, res.Valid())
		assert.Equal(t, "alice", res.Username)
	}

	// 过期后校验失败并被清理
	*clock = clock.Add(2 * time.Hour)
	res = svc.ValidateTGTCookie(ctx, tgt.ID)
	assert.Equal(t, OutcomeExpired, res.Outcome)
	res = svc.ValidateTGTCookie(ctx, tgt.ID)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

// 场景：校验 ST 时请求代理能力，回调成功后返回 PGTIOU，
// 再经 PGT 签发 PT，校验 PT 返回代理链
func TestTicketService_ProxyFlow(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	// 模拟持有 pgtUrl 的服务端回调
	var gotPGTID, gotIOU string
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPGTID = r.URL.Query().Get("pgtId")
		gotIOU = r.URL.Query().Get("pgtIou")
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", callback.URL)
	require.True(t, res.Valid())
	require.NotEmpty(t, res.PGTIOU)
	assert.Equal(t, res.PGTIOU, gotIOU)
	require.NotEmpty(t, gotPGTID)

	pt, err := svc.IssuePT(ctx, gotPGTID, "https://backend.example")
	require.NoError(t, err)

	ptRes := svc.ValidatePT(ctx, pt.ID, "https://backend.example", "")
	require.True(t, ptRes.Valid(), "PT 校验应通过: %s", ptRes.Message)
	assert.Equal(t, "alice", ptRes.Username)
	assert.Equal(t, []string{callback.URL}, ptRes.ProxyChain)

	// PT 同样一次性
	ptRes = svc.ValidatePT(ctx, pt.ID, "https://backend.example", "")
	assert.Equal(t, OutcomeAlreadyConsumed, ptRes.Outcome)
}

// 回调失败时不签发 PGT，但本次校验仍然通过
func TestTicketService_ProxyCallbackFailed(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, _ := svc.IssueST(ctx, tgt.ID, "https://svc.example")

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", callback.URL)
	assert.True(t, res.Valid())
	assert.Empty(t, res.PGTIOU)
}

// 代理能力未启用时忽略 pgtUrl
func TestTicketService_ProxyDisabled(t *testing.T) {
	svc, _ := setupTicketService(t, &TicketServiceConfig{
		Windows:      config.ExpiryWindows{TGT: time.Hour, ST: 5 * time.Minute},
		ProxyEnabled: false,
	})
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, _ := svc.IssueST(ctx, tgt.ID, "https://svc.example")

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "https://proxy.example/cb")
	assert.True(t, res.Valid())
	assert.Empty(t, res.PGTIOU)

	_, err := svc.IssuePGT(ctx, st.ID, "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrProxyDisabled)
}

// 编程接口 IssuePGT 要求 ST 未被消费
func TestTicketService_IssuePGT_Preconditions(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	_, err := svc.IssuePGT(ctx, "ST-nonexistent", "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrSTNotFound)

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, _ := svc.IssueST(ctx, tgt.ID, "https://svc.example")

	pgt, err := svc.IssuePGT(ctx, st.ID, "https://proxy.example/cb")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://proxy.example/cb"}, pgt.ProxyChain)
	assert.Equal(t, "alice", pgt.Username)

	// 消费后不再允许
	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	require.True(t, res.Valid())
	_, err = svc.IssuePGT(ctx, st.ID, "https://proxy.example/cb")
	assert.ErrorIs(t, err, ErrSTConsumed)
}

// 嵌套代理：proxyValidate 中再次请求代理能力时，代理链向前追加
func TestTicketService_NestedProxyChain(t *testing.T) {
	svc, _ := setupTicketService(t, nil)
	ctx := context.Background()

	// 按回调路径记录各级 PGT 标识
	pgtIDs := map[string]string{}
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pgtIDs[r.URL.Path] = r.URL.Query().Get("pgtId")
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()
	firstCB := callback.URL + "/first"
	secondCB := callback.URL + "/second"

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, _ := svc.IssueST(ctx, tgt.ID, "https://svc.example")

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", firstCB)
	require.True(t, res.Valid())
	require.NotEmpty(t, pgtIDs["/first"])

	pt1, err := svc.IssuePT(ctx, pgtIDs["/first"], "https://mid.example")
	require.NoError(t, err)
	assert.Equal(t, []string{firstCB}, pt1.ProxyChain)

	ptRes := svc.ValidatePT(ctx, pt1.ID, "https://mid.example", secondCB)
	require.True(t, ptRes.Valid())
	require.NotEmpty(t, pgtIDs["/second"])

	pt2, err := svc.IssuePT(ctx, pgtIDs["/second"], "https://backend.example")
	require.NoError(t, err)

	finalRes := svc.ValidatePT(ctx, pt2.ID, "https://backend.example", "")
	require.True(t, finalRes.Valid())
	// 最近的代理在前
	assert.Equal(t, []string{secondCB, firstCB}, finalRes.ProxyChain)
}

// 存储不可用是独立的校验结果，绝不能和"票据不存在"混淆：
// 后者会让调用方误以为票据已被消费或从未签发
func TestTicketService_StoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewTicketService(repository.NewTicketRepository(client), &TicketServiceConfig{
		Windows: config.ExpiryWindows{TGT: time.Hour, ST: 5 * time.Minute},
	}).(*ticketService)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", "host1")
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	require.NoError(t, err)

	// 存储下线
	mr.Close()

	res := svc.ValidateST(ctx, st.ID, "https://svc.example", "")
	assert.Equal(t, OutcomeUnavailable, res.Outcome)

	res = svc.ValidateTGTCookie(ctx, tgt.ID)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)

	res = svc.ValidatePT(ctx, "PT-"+st.ID[3:], "https://svc.example", "")
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
}

// PGT 过期后签发 PT 失败，已签发的 PT 随 PGT 失效
func TestTicketService_PGTExpiry(t *testing.T) {
	svc, clock := setupTicketService(t, &TicketServiceConfig{
		Windows:      config.ExpiryWindows{TGT: 0, ST: 0, PGT: time.Hour, PT: 0},
		ProxyEnabled: true,
	})
	ctx := context.Background()

	tgt, _ := svc.IssueTGT(ctx, "alice", "host1")
	st, _ := svc.IssueST(ctx, tgt.ID, "https://svc.example")
	pgt, err := svc.IssuePGT(ctx, st.ID, "https://proxy.example/cb")
	require.NoError(t, err)
	pt, err := svc.IssuePT(ctx, pgt.ID, "https://backend.example")
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Hour)

	_, err = svc.IssuePT(ctx, pgt.ID, "https://backend.example")
	assert.ErrorIs(t, err, ErrPGTExpired)

	// PGT 已被级联清理，PT 随之不可用
	res := svc.ValidatePT(ctx, pt.ID, "https://backend.example", "")
	assert.NotEqual(t, OutcomeValid, res.Outcome)
}
