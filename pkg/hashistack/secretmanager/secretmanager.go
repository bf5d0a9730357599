package secretmanager

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault builds a client from VAULT_ADDR / VAULT_TOKEN and friends.
func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}

// ReadStrings reads a KV v2 secret and returns its string values.
func ReadStrings(ctx context.Context, client *vault.Client, path string) (map[string]string, error) {
	secret, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath("secret"))
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}

	out := make(map[string]string, len(secret.Data.Data))
	for k, v := range secret.Data.Data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}
