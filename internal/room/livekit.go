package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/livekit/protocol/auth"
)

// LiveKitProvider talks to a LiveKit server. Room creation goes through the
// RoomService twirp endpoint, which already has create-or-get semantics.
type LiveKitProvider struct {
	httpClient *http.Client
	host       string
	apiKey     string
	apiSecret  string
	publicURL  string
}

type LiveKitConfig struct {
	Host      string
	APIKey    string
	APISecret string
	PublicURL string
	Timeout   time.Duration
}

func NewLiveKitProvider(cfg LiveKitConfig) *LiveKitProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = cfg.Host
	}

	return &LiveKitProvider{
		httpClient: &http.Client{Timeout: timeout},
		host:       cfg.Host,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		publicURL:  publicURL,
	}
}

type createRoomRequest struct {
	Name     string `json:"name"`
	Metadata string `json:"metadata,omitempty"`
}

type createRoomResponse struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
}

func (p *LiveKitProvider) EnsureRoom(ctx context.Context, name string, metadata map[string]string) (Handle, error) {
	token, err := p.adminToken()
	if err != nil {
		return Handle{}, fmt.Errorf("mint admin token: %w", err)
	}

	req := createRoomRequest{Name: name}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return Handle{}, fmt.Errorf("marshal metadata: %w", err)
		}
		req.Metadata = string(data)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal request: %w", err)
	}

	url := p.host + "/twirp/livekit.RoomService/CreateRoom"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Handle{}, fmt.Errorf("room service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Handle{}, fmt.Errorf("room service returned status %d: %s", resp.StatusCode, string(data))
	}

	var roomResp createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&roomResp); err != nil {
		return Handle{}, fmt.Errorf("decode response: %w", err)
	}

	return Handle{
		Name: roomResp.Name,
		SID:  roomResp.SID,
		URL:  p.publicURL,
	}, nil
}

func (p *LiveKitProvider) adminToken() (string, error) {
	at := auth.NewAccessToken(p.apiKey, p.apiSecret)

	grant := &auth.VideoGrant{
		RoomCreate: true,
		RoomList:   true,
	}

	at.SetIdentity("call-orchestrator").
		SetValidFor(time.Minute).
		SetVideoGrant(grant)

	return at.ToJWT()
}

// JoinToken mints a caller-facing token scoped to one room.
func (p *LiveKitProvider) JoinToken(identity, roomName string) (string, error) {
	at := auth.NewAccessToken(p.apiKey, p.apiSecret)

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}

	at.SetIdentity(identity).
		SetValidFor(24 * time.Hour).
		SetVideoGrant(grant)

	return at.ToJWT()
}

// GenerateRoomName returns a collision-safe room name for ad-hoc deploys.
func GenerateRoomName() string {
	return "room_" + shared.NewID("")
}
