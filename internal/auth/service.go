package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/pkg/logger"
)

// Service 负责 HTTP 请求的身份验证。
type Service struct {
	mode   Mode
	tokens []StaticToken
	jwt    JWTOptions
	now    func() time.Time
	audit  *slog.Logger
}

// claims 是签发与校验时使用的 JWT 载荷。
type claims struct {
	jwt.RegisteredClaims
	Name   string   `json:"name,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, jwt: cfg.JWT, now: time.Now, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
	case ModeStatic:
		for _, token := range cfg.Tokens {
			if strings.TrimSpace(token.Token) == "" || strings.TrimSpace(token.UserID) == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "静态令牌必须包含 token 与 user_id")
			}
			token.Scopes = dedupeScopes(token.Scopes)
			svc.tokens = append(svc.tokens, token)
		}
		if len(svc.tokens) == 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "static 模式至少需要一个令牌")
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "jwt 模式必须配置密钥")
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的认证模式", xerrors.WithMetadata("mode", string(cfg.Mode)))
	}
	return svc, nil
}

// Mode 返回当前的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool { return s.Mode() != ModeDisabled }

// AuthenticateRequest 校验 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	return s.AuthenticateToken(ctx, parts[1])
}

// AuthenticateToken 校验裸令牌。认证关闭时返回匿名主体。
func (s *Service) AuthenticateToken(ctx context.Context, token string) (*Subject, error) {
	if !s.Enabled() {
		return &Subject{UserID: "anonymous", Scopes: []string{"*"}, Source: string(ModeDisabled)}, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeStatic:
		return s.verifyStatic(token)
	case ModeJWT:
		return s.verifyJWT(token)
	}
	return nil, ErrInvalidToken
}

func (s *Service) verifyStatic(token string) (*Subject, error) {
	for _, candidate := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate.Token), []byte(token)) == 1 {
			subject := &Subject{UserID: candidate.UserID, Name: candidate.Name, Scopes: candidate.Scopes, Source: string(ModeStatic)}
			subject.normalise()
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}

func (s *Service) verifyJWT(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.jwt.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.jwt.Issuer))
	}
	if s.jwt.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.jwt.Audience))
	}
	parsed := &claims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(token, parsed, func(t *jwt.Token) (any, error) {
		return []byte(s.jwt.Secret), nil
	})
	if err != nil || !tok.Valid {
		return nil, xerrors.Wrap(CodeTokenInvalid, err, "invalid token")
	}
	if parsed.Subject == "" {
		return nil, xerrors.New(CodeTokenInvalid, "subject claim required")
	}
	subject := &Subject{UserID: parsed.Subject, Name: parsed.Name, Scopes: dedupeScopes(parsed.Scopes), Source: string(ModeJWT)}
	subject.normalise()
	return subject, nil
}

// Issue 为主体签发 HS256 令牌，仅在 jwt 模式下可用。
func (s *Service) Issue(subject Subject, ttl time.Duration) (string, error) {
	if s.Mode() != ModeJWT {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "仅 jwt 模式支持签发令牌")
	}
	if strings.TrimSpace(subject.UserID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UserID,
			Issuer:    s.jwt.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   subject.Name,
		Scopes: dedupeScopes(subject.Scopes),
	}
	if s.jwt.Audience != "" {
		c.Audience = jwt.ClaimStrings{s.jwt.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.jwt.Secret))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签发令牌失败")
	}
	return signed, nil
}
