package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultMagicLinkTTL    = 72 * time.Hour
	defaultMagicLinkMaxTTL = 30 * 24 * time.Hour
	defaultMagicLinkIssuer = "workflow"
)

// MagicLinkClaims token里面绑定的内容, 验签不需要访问数据库
type MagicLinkClaims struct {
	NodeInstanceID int64            `json:"nid"`
	Purpose        MagicLinkPurpose `json:"pur"`
	jwt.RegisteredClaims
}

// MagicLinkIssuer 签发和校验 magic link token (HS256)
type MagicLinkIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	maxTTL time.Duration
	now    func() time.Time
}

type MagicLinkIssuerOption func(*MagicLinkIssuer)

func WithMagicLinkTTL(ttl time.Duration) MagicLinkIssuerOption {
	return func(m *MagicLinkIssuer) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMagicLinkMaxTTL 调用方指定的有效期超过这个值时截断
func WithMagicLinkMaxTTL(maxTTL time.Duration) MagicLinkIssuerOption {
	return func(m *MagicLinkIssuer) {
		if maxTTL > 0 {
			m.maxTTL = maxTTL
		}
	}
}

func WithMagicLinkIssuerName(issuer string) MagicLinkIssuerOption {
	return func(m *MagicLinkIssuer) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithMagicLinkClock 测试使用
func WithMagicLinkClock(now func() time.Time) MagicLinkIssuerOption {
	return func(m *MagicLinkIssuer) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMagicLinkIssuer(secret []byte, opts ...MagicLinkIssuerOption) (*MagicLinkIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "magic link secret must be at least 32 bytes")
	}
	m := &MagicLinkIssuer{
		secret: secret,
		issuer: defaultMagicLinkIssuer,
		ttl:    defaultMagicLinkTTL,
		maxTTL: defaultMagicLinkMaxTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL 默认有效期
func (m *MagicLinkIssuer) TTL() time.Duration {
	return m.ttl
}

/*
*
  - @description: 签发token
  - @param nodeInstanceID int64
  - @param purpose MagicLinkPurpose
  - @param ttl time.Duration <=0 时使用默认有效期, 超过 maxTTL 时截断
  - @return string token, *MagicLinkClaims, error
*/
func (m *MagicLinkIssuer) Issue(nodeInstanceID int64, purpose MagicLinkPurpose, ttl time.Duration) (string, *MagicLinkClaims, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	now := m.now()
	claims := &MagicLinkClaims{
		NodeInstanceID: nodeInstanceID,
		Purpose:        purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   strconv.FormatInt(nodeInstanceID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, errors.Wrap(err, "sign magic link token failed")
	}
	return token, claims, nil
}

/*
*
  - @description: 校验签名和有效期, 不访问数据库, 不会标记为已使用
  - @param token string
  - @return *MagicLinkClaims, error ErrTokenInvalid 或者 ErrTokenExpired
*/
func (m *MagicLinkIssuer) Validate(token string) (*MagicLinkClaims, error) {
	if token == "" {
		return nil, errors.WithMessage(ErrTokenInvalid, "empty token")
	}
	claims := &MagicLinkClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.WithMessage(ErrTokenExpired, err.Error())
		}
		return nil, errors.WithMessage(ErrTokenInvalid, err.Error())
	}
	if !parsed.Valid || claims.ID == "" || claims.NodeInstanceID <= 0 {
		return nil, errors.WithMessage(ErrTokenInvalid, "token claims incomplete")
	}
	if _, ok := magicLinkPurposeNodeTypes[claims.Purpose]; !ok {
		return nil, errors.WithMessagef(ErrTokenInvalid, "unknown purpose %s", claims.Purpose)
	}
	return claims, nil
}

// HashMagicLinkToken 数据库里面只保存hash
func HashMagicLinkToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LinkNotification 发给通知服务的内容, 引擎只负责"把链接发给某个地址"
type LinkNotification struct {
	Address            string           `json:"address"`
	URL                string           `json:"url"`
	Purpose            MagicLinkPurpose `json:"purpose"`
	NodeInstanceID     int64            `json:"nodeInstanceId"`
	WorkflowInstanceID int64            `json:"workflowInstanceId"`
	NodeName           string           `json:"nodeName"`
	ExpiresAt          time.Time        `json:"expiresAt"`
}

// LinkNotifier 通知服务, 外部实现(邮件/短信等)
type LinkNotifier interface {
	SendLink(ctx context.Context, notification *LinkNotification) error
}
