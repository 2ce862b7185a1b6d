package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// Dispatch sends block to every shard node and collects the outputs,
// indexed by [shard][round]. A node-reported failure is returned as a
// *BlockError, preferring the shard that failed first over the aborts it
// caused; transport errors are returned as they are.
func Dispatch(ctx context.Context, client *http.Client, nodes []string, height uint64, block *protocol.PartitionedBlock) ([][][]protocol.TransactionOutput, error) {
	if len(nodes) != block.NumShards() {
		return nil, fmt.Errorf("block has %d shards, have %d nodes", block.NumShards(), len(nodes))
	}
	body, err := json.Marshal(&BlockRequest{Height: height, Block: *block})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal block: %w", err)
	}

	responses := make([]BlockResponse, len(nodes))
	g, ctx := errgroup.WithContext(ctx)
	for shard, node := range nodes {
		shard, node := shard, node
		g.Go(func() error {
			resp, err := postBlock(ctx, client, node+"/block", body)
			if err != nil {
				return fmt.Errorf("shard %d: %w", shard, err)
			}
			responses[shard] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs := make([][][]protocol.TransactionOutput, len(nodes))
	errs := make([]error, len(nodes))
	for shard := range responses {
		if f := responses[shard].Failure; f != nil {
			errs[shard] = f.Err()
			continue
		}
		outputs[shard] = responses[shard].Outputs
	}
	if err := rootCause(errs); err != nil {
		return nil, err
	}
	return outputs, nil
}

func postBlock(ctx context.Context, client *http.Client, url string, body []byte) (BlockResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return BlockResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return BlockResponse{}, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return BlockResponse{}, fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out BlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BlockResponse{}, fmt.Errorf("decode response from %s: %w", url, err)
	}
	return out, nil
}
