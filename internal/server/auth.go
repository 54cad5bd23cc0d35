package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"escrowline/internal/engine"
	"escrowline/internal/typeddata"
)

type AuthConfig struct {
	JWTSecret string
	CodeTTL   time.Duration
	TokenTTL  time.Duration
	// DevMode returns the one-time code in the start response instead of
	// handing it to an out-of-band channel.
	DevMode bool
	Logger  *log.Logger
}

// Principal is the verified caller identity, an escrow address.
// ComplianceMode is the account's screening preference; nil means the
// deployment default applies.
type Principal struct {
	Identity       string
	Source         string
	ComplianceMode *bool
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func identityFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Identity != "" {
		return p.Identity, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	ComplianceMode *bool `json:"compliance_mode,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if _, err := typeddata.ParseAddress(claims.Subject); err != nil {
		return Principal{}, errors.New("subject must be an address")
	}
	return Principal{
		Identity:       strings.ToLower(claims.Subject),
		Source:         "jwt",
		ComplianceMode: claims.ComplianceMode,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):      true,
		path.Join(basePath, "auth/start"):  true,
		path.Join(basePath, "auth/verify"): true,
		path.Join(basePath, "wallet"):      true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

type AuthStartRequest struct {
	Identity string `json:"identity"`
}

type AuthStartResponse struct {
	Sent bool `json:"sent"`
	// Code is only populated in dev mode.
	Code string `json:"code,omitempty"`
}

type AuthVerifyRequest struct {
	Identity string `json:"identity"`
	Code     string `json:"code"`
	// ComplianceMode pins the account's screening preference into the
	// issued token. Left nil, jobs screen per the deployment default.
	ComplianceMode *bool `json:"compliance_mode,omitempty"`
}

type AuthVerifyResponse struct {
	Token string `json:"token"`
}

// registerAuth implements the one-time-code exchange. Codes live in an
// explicitly expiring store; in a real deployment the code travels out of
// band and the start response only acknowledges it.
func registerAuth(api huma.API, cfg AuthConfig, e *engine.Engine, codes *codeStore) {
	huma.Register(api, huma.Operation{
		OperationID: "auth-start",
		Method:      http.MethodPost,
		Path:        "/auth/start",
		Summary:     "Request a one-time login code",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AuthStartRequest `json:"body"`
	}) (*struct {
		Body AuthStartResponse `json:"body"`
	}, error) {
		identity := strings.ToLower(strings.TrimSpace(input.Body.Identity))
		if _, err := typeddata.ParseAddress(identity); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "identity must be an address", nil)
		}
		code, err := codes.Issue(identity)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuthStartResponse{Sent: true}
		if cfg.DevMode {
			resp.Code = code
		} else if cfg.Logger != nil {
			cfg.Logger.Printf("auth: one-time code for %s issued", identity)
		}
		return &struct {
			Body AuthStartResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auth-verify",
		Method:      http.MethodPost,
		Path:        "/auth/verify",
		Summary:     "Exchange a one-time code for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AuthVerifyRequest `json:"body"`
	}) (*struct {
		Body AuthVerifyResponse `json:"body"`
	}, error) {
		identity := strings.ToLower(strings.TrimSpace(input.Body.Identity))
		if !codes.Consume(identity, input.Body.Code) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid or expired code", nil)
		}
		tokenTTL := cfg.TokenTTL
		if tokenTTL <= 0 {
			tokenTTL = 24 * time.Hour
		}
		now := e.Now()
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   identity,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			},
			ComplianceMode: input.Body.ComplianceMode,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthVerifyResponse `json:"body"`
		}{Body: AuthVerifyResponse{Token: token}}, nil
	})
}
