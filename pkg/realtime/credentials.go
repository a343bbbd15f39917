package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/parlo-app/parlo-go/pkg/core"
)

// maxErrorBody bounds how much of a failed HTTP response is kept for the
// error message.
const maxErrorBody = 512

// minSecretLength is the shortest credential accepted as plausible. Real
// ephemeral keys are far longer; anything under this is a broker bug.
const minSecretLength = 20

// credentialResponse mirrors the broker's ephemeral token payload.
type credentialResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// fetchCredential obtains a short-lived API credential from the trusted
// broker. The broker holds the long-lived key; the client never sees it.
func fetchCredential(ctx context.Context, client *http.Client, endpoint string) (string, *core.Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", core.Wrap(core.ErrCredential, "build credential request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", core.Wrap(core.ErrCredential, "credential request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.Wrap(core.ErrCredential, "read credential response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("credential endpoint returned %d: %s", resp.StatusCode, truncateBody(body))
		return "", core.NewCredentialError(msg).WithCode(strconv.Itoa(resp.StatusCode))
	}

	var cr credentialResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", core.Wrap(core.ErrCredential, "decode credential response", err)
	}
	if cr.ClientSecret.Value == "" {
		return "", core.NewCredentialError("credential response missing client_secret.value")
	}
	if len(cr.ClientSecret.Value) < minSecretLength {
		return "", core.NewCredentialError("credential response secret is implausibly short")
	}
	return cr.ClientSecret.Value, nil
}

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
