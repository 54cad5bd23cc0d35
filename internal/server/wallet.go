package server

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"escrowline/internal/attest"
)

type WalletResponse struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// registerWallet exposes development key provisioning. The private key is
// returned once and never stored server side.
func registerWallet(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-wallet",
		Method:        http.MethodPost,
		Path:          "/wallet",
		Summary:       "Generate a signing key pair",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WalletResponse `json:"body"`
	}, error) {
		key, err := attest.NewKey()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WalletResponse `json:"body"`
		}{Body: WalletResponse{
			Address:    attest.Address(key),
			PrivateKey: "0x" + hex.EncodeToString(key.Serialize()),
		}}, nil
	})
}
