package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

// FetchICEServers asks the relay's /webrtc/ice endpoint for the ICE server
// list. TURN entries come back with credentials minted for participantID
// when the relay has TURN REST enabled.
func FetchICEServers(ctx context.Context, hc *http.Client, baseURL, participantID string) ([]webrtc.ICEServer, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	u := strings.TrimRight(baseURL, "/") + "/webrtc/ice"
	if participantID != "" {
		u += "?participantId=" + url.QueryEscape(participantID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: %s", resp.Status)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	return body.ICEServers, nil
}
