package syncdaemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// registerRequest/registerResponse mirror internal/handler/register.go's
// body and response shape.
type registerRequest struct {
	Hostname string   `json:"hostname"`
	OS       string   `json:"os"`
	Groups   []string `json:"groups"`
}

type registerResponse struct {
	MachineID string `json:"machine_id"`
	AuthToken string `json:"auth_token"`
}

// Enroll performs the two-step HTTP enrollment handshake against
// serverURL: POST /register, returning the minted machine_id and
// auth_token for the caller to persist via config.SaveClientConfig and
// config.SaveAuthToken.
func Enroll(serverURL, hostname, os string, groups []string) (machineID, authToken string, err error) {
	body, err := json.Marshal(registerRequest{Hostname: hostname, OS: os, Groups: groups})
	if err != nil {
		return "", "", err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverURL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("syncdaemon: register returned %s", resp.Status)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.MachineID, out.AuthToken, nil
}

// machineListEntry is the subset of GET /machines' response this package
// reads to pick a group peer to request a key from.
type machineListEntry struct {
	MachineID string   `json:"machine_id"`
	Groups    []string `json:"groups"`
	Revoked   bool     `json:"revoked"`
}

// groupPeer asks the relay for a currently-known member of group other
// than selfMachineID, to target a key_request at. Returns "" if none is
// known yet (a brand new group with no other member).
func groupPeer(httpClient *http.Client, serverURL, authToken, group, selfMachineID string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/api/machines", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("syncdaemon: list machines returned %s", resp.Status)
	}

	var body struct {
		Machines []machineListEntry `json:"machines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	for _, m := range body.Machines {
		if m.MachineID == selfMachineID || m.Revoked {
			continue
		}
		for _, g := range m.Groups {
			if g == group {
				return m.MachineID, nil
			}
		}
	}
	return "", nil
}

// peerKey is one member's announced public key, as returned by
// GET /api/groups/{group}/keys.
type peerKey struct {
	MachineID string
	PublicKey [32]byte
}

// groupMemberKeys asks the relay for every other current member of group
// and its announced public key, to wrap a rotated group key for each of
// them. Members that have not yet announced a key (never connected since
// this endpoint existed) are silently skipped; they will pick up the
// rotated key via their own key_request on next connect instead.
func groupMemberKeys(httpClient *http.Client, serverURL, authToken, group, selfMachineID string) ([]peerKey, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/api/groups/"+group+"/keys", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("syncdaemon: list group keys returned %s", resp.Status)
	}

	var body struct {
		Keys []struct {
			MachineID string `json:"machine_id"`
			PublicKey []byte `json:"public_key"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	peers := make([]peerKey, 0, len(body.Keys))
	for _, k := range body.Keys {
		if k.MachineID == selfMachineID || len(k.PublicKey) != 32 {
			continue
		}
		var pk peerKey
		pk.MachineID = k.MachineID
		copy(pk.PublicKey[:], k.PublicKey)
		peers = append(peers, pk)
	}
	return peers, nil
}
