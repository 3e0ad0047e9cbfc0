package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kryptco/krypton-go/kr"
	"github.com/kryptco/krypton-go/teams"
)

// httpConsensus submits team operations to the team's own server endpoints.
// The chain service serializes appends; we just carry the operation and the
// last block hash we built it against.
type httpConsensus struct {
	kr.Logger
	client *http.Client
}

func newHTTPConsensus() *httpConsensus {
	return &httpConsensus{
		Logger: kr.NewLogger("consensus"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type appendRequest struct {
	LastBlockHash []byte          `json:"last_block_hash"`
	Operation     json.RawMessage `json:"operation"`
}

type appendReply struct {
	Snapshot *teams.Snapshot `json:"snapshot"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// AppendOperation implements teams.Consensus.  Endpoints are tried in order;
// the first that answers decides.
func (c *httpConsensus) AppendOperation(ctx context.Context, inCurrent *teams.Snapshot, inOperation json.RawMessage) (*teams.Snapshot, json.RawMessage, error) {

	if len(inCurrent.ServerEndpoints) == 0 {
		return nil, nil, kr.Error(nil, kr.MediumUnavailable, "team has no server endpoints")
	}

	body, err := json.Marshal(appendRequest{
		LastBlockHash: inCurrent.LastBlockHash,
		Operation:     inOperation,
	})
	if err != nil {
		return nil, nil, kr.Error(err, kr.MarshalFailed, "append request did not marshal")
	}

	var lastErr error
	for _, endpoint := range inCurrent.ServerEndpoints {
		reply, err := c.post(ctx, endpoint+"/sig_chain/append", body)
		if err != nil {
			c.Warnf("endpoint %v did not answer: %v", endpoint, err)
			lastErr = err
			continue
		}

		if reply.Error != "" {
			return nil, nil, kr.Errorf(nil, kr.FailedToCommit, "chain rejected operation: %v", reply.Error)
		}
		if reply.Snapshot == nil {
			return nil, nil, kr.Error(nil, kr.UnmarshalFailed, "chain reply carried no snapshot")
		}
		return reply.Snapshot, reply.Response, nil
	}

	return nil, nil, kr.Error(lastErr, kr.MediumUnavailable, "no team endpoint reachable")
}

func (c *httpConsensus) post(ctx context.Context, inURL string, inBody []byte) (*appendReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inURL, bytes.NewReader(inBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply appendReply
	if err = json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, kr.Error(err, kr.UnmarshalFailed, "chain reply did not parse")
	}
	return &reply, nil
}
