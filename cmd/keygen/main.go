package main

import (
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"smallbiznis-licensing/services/license"
)

func main() {
	out := flag.String("out", ".", "directory for license_private.pem and license_public.pem")
	bits := flag.Int("bits", 2048, "RSA key size")
	flag.Parse()

	log := zap.Must(zap.NewDevelopment())
	defer log.Sync()

	if *bits < 2048 {
		log.Fatal("key size must be at least 2048 bits", zap.Int("bits", *bits))
	}

	key, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		log.Fatal("failed to generate key", zap.Error(err))
	}

	pub, err := license.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		log.Fatal("failed to encode public key", zap.Error(err))
	}

	if err := os.MkdirAll(*out, 0o700); err != nil {
		log.Fatal("failed to create output directory", zap.Error(err))
	}

	privPath := filepath.Join(*out, "license_private.pem")
	pubPath := filepath.Join(*out, "license_public.pem")
	if err := os.WriteFile(privPath, license.EncodePrivateKeyPEM(key), 0o600); err != nil {
		log.Fatal("failed to write private key", zap.Error(err))
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		log.Fatal("failed to write public key", zap.Error(err))
	}

	log.Info("license signing keys written",
		zap.String("private_key", privPath),
		zap.String("public_key", pubPath),
		zap.Int("bits", *bits),
	)
}
