// Package client is the Go SDK for the batch provenance ledger API.
//
// Writers identify themselves with a session token or, against development
// deployments, an actor header:
//
//	c, err := client.New("https://ledger.example.org",
//	    client.WithBearerToken(os.Getenv("LEDGER_TOKEN")),
//	)
//
// # Recording a stage
//
// Every append carries the head hash the caller last saw. A concurrent
// writer makes the call fail with a stale head error that carries the
// current head:
//
//	res, err := c.AppendEvent(ctx, "B001", client.AppendRequest{
//	    Role:             "facility",
//	    ProposedStage:    "processing",
//	    SubStage:         "drying",
//	    ExpectedHeadHash: head,
//	})
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == client.CodeStaleHead {
//	    // re-read and decide again
//	}
//
// Advance wraps that loop for callers whose proposal does not depend on
// what the concurrent writer did.
//
// # Reading
//
// GetBatch, History, Verify, ListBatches and Summaries are public. Anchor
// receipts and Merkle inclusion proofs are available through Anchors,
// Anchor and Proof.
package client
