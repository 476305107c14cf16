package rtc

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"voicematch-service/internal/config"
	appErr "voicematch-service/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// LiveKit mints LiveKit-compatible access tokens: an HS256 JWT signed
// with the API secret, issued by the API key, carrying a video grant for
// the target room. Room deletion goes through the server's Twirp API and
// is best-effort; the cloud reaps empty rooms on its own.
type LiveKit struct {
	host      string
	apiKey    string
	apiSecret string
	tokenTTL  time.Duration
	client    *http.Client
}

type videoGrant struct {
	Room         string `json:"room,omitempty"`
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	RoomCreate   bool   `json:"roomCreate,omitempty"`
	CanPublish   bool   `json:"canPublish,omitempty"`
	CanSubscribe bool   `json:"canSubscribe,omitempty"`
}

type accessClaims struct {
	Video videoGrant `json:"video"`
	jwt.RegisteredClaims
}

func NewLiveKit(conf config.LiveKitConfig) *LiveKit {
	return &LiveKit{
		host:      conf.Host,
		apiKey:    conf.APIKey,
		apiSecret: conf.APISecret,
		tokenTTL:  time.Duration(conf.TokenTTLMins) * time.Minute,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (lk *LiveKit) MintJoinToken(ctx context.Context, room, identity string) (string, error) {
	grant := videoGrant{
		Room:         room,
		RoomJoin:     true,
		CanPublish:   true,
		CanSubscribe: true,
	}
	token, err := lk.signToken(identity, grant)
	if err != nil {
		return "", fmt.Errorf("%w: %v", appErr.ErrBackendUnavailable, err)
	}
	return token, nil
}

func (lk *LiveKit) DeleteRoom(ctx context.Context, room string) error {
	token, err := lk.signToken("service", videoGrant{RoomCreate: true})
	if err != nil {
		return fmt.Errorf("%w: %v", appErr.ErrBackendUnavailable, err)
	}

	body := bytes.NewBufferString(fmt.Sprintf(`{"room":%q}`, room))
	url := lk.host + "/twirp/livekit.RoomService/DeleteRoom"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := lk.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", appErr.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: delete room status %d", appErr.ErrBackendUnavailable, resp.StatusCode)
	}
	// 404 means the room is already gone; treat as success.
	return nil
}

func (lk *LiveKit) signToken(identity string, grant videoGrant) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Video: grant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    lk.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lk.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(lk.apiSecret))
}
