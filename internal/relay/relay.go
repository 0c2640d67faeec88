// Package relay submits signed user operations, either to the relay
// backend's send-transaction endpoint or to an ERC-4337 bundler.
package relay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/userop"
)

// Submitter hands a signed operation to whoever puts it on-chain and returns
// the hash of the transaction that carries it. The relay client returns as
// soon as the transaction is broadcast; the bundler client waits until the
// bundler reports it, so callers bound ctx with a deadline.
type Submitter interface {
	Submit(ctx context.Context, op *userop.UserOperation, rev userop.Revision, entryPoint common.Address) (common.Hash, error)
}
