package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/parlo-app/parlo-go/pkg/core"
)

// negotiateSDP posts the local offer to the realtime endpoint and returns
// the remote answer. The ephemeral credential authorizes the request; the
// model is selected by query parameter.
func negotiateSDP(ctx context.Context, client *http.Client, baseURL, model, credential, offerSDP string) (string, *core.Error) {
	endpoint := baseURL + "?model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", core.Wrap(core.ErrSignaling, "build signaling request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return "", core.Wrap(core.ErrSignaling, "signaling request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.Wrap(core.ErrSignaling, "read signaling response", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := fmt.Sprintf("signaling endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
		return "", core.NewSignalingError(msg).WithCode(strconv.Itoa(resp.StatusCode))
	}

	answer := string(body)
	if strings.TrimSpace(answer) == "" {
		return "", core.NewSignalingError("signaling endpoint returned an empty answer")
	}
	return answer, nil
}

// websocketURL derives the websocket endpoint for the text-mode transport
// from the HTTP realtime base.
func websocketURL(baseURL, model string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "?model=" + url.QueryEscape(model)
}
