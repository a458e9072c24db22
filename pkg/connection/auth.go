package connection

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"
)

// authMaterial is the secret half of an Endpoint. It only exists in plain
// form while staging or dialing; at rest it is sealed in an enclave.
type authMaterial struct {
	Username   string `json:"u,omitempty"`
	Password   string `json:"p,omitempty"`
	Token      string `json:"t,omitempty"`
	Kubeconfig string `json:"k,omitempty"`
	PrivateKey string `json:"pk,omitempty"`
	Passphrase string `json:"pp,omitempty"`
}

func authFrom(ep Endpoint) authMaterial {
	return authMaterial{
		Username:   ep.Username,
		Password:   ep.Password,
		Token:      ep.Token,
		Kubeconfig: ep.Kubeconfig,
		PrivateKey: ep.PrivateKey,
		Passphrase: ep.Passphrase,
	}
}

// seal encrypts the material into a memguard enclave. The intermediate
// plaintext buffer is wiped by memguard.
func (a authMaterial) seal() (*memguard.Enclave, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode auth material: %w", err)
	}
	return memguard.NewEnclave(data), nil
}

func openAuth(enclave *memguard.Enclave) (authMaterial, error) {
	var a authMaterial
	if enclave == nil {
		return a, fmt.Errorf("auth material already released")
	}

	buf, err := enclave.Open()
	if err != nil {
		return a, fmt.Errorf("open auth material: %w", err)
	}
	defer buf.Destroy()

	if err := json.Unmarshal(buf.Bytes(), &a); err != nil {
		return a, fmt.Errorf("decode auth material: %w", err)
	}
	return a, nil
}

// registrySecret is the password, falling back to the identity token.
func (a authMaterial) registrySecret() string {
	if a.Password != "" {
		return a.Password
	}
	return a.Token
}

// basicAuth is the base64 user:secret pair used in docker config.json.
func (a authMaterial) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.registrySecret()))
}

// secrets lists the values commands built on this material must redact.
func (a authMaterial) secrets(kind Kind) []string {
	out := []string{a.Password, a.Token, a.Passphrase, a.PrivateKey}
	if kind == KindDockerRegistry && a.Username != "" {
		out = append(out, a.basicAuth())
	}
	if a.Kubeconfig != "" {
		out = append(out, kubeconfigSecrets(a.Kubeconfig)...)
	}
	return out
}
