package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// SignatureNamespace is the OpenSSH signature namespace every authorized
// module signature must have been produced with. A signature is taken
// over the module's hex-encoded SHA-256 digest, not the raw .wasm bytes
// directly, since ssh-keygen -Y sign itself hashes whatever file it's
// given:
//
//	sha256sum module.wasm | awk '{print $1}' | tr -d '\n' > module.digest
//	ssh-keygen -Y sign -n PlaidRule -f signer_key module.digest
const SignatureNamespace = "PlaidRule"

const (
	sshsigMagic      = "SSHSIG"
	sshsigArmorBegin = "-----BEGIN SSH SIGNATURE-----"
	sshsigArmorEnd   = "-----END SSH SIGNATURE-----"
)

// Roster is the set of authorized module signers, loaded once at boot
// from a YAML file mapping a human-readable signer name to an
// authorized_keys-format public key line.
type Roster struct {
	signers map[string]ssh.PublicKey
}

// LoadRoster reads the signer roster file. An empty or missing path
// yields an empty roster — the caller is responsible for treating that
// as fatal when signatures are required.
func LoadRoster(path string) (Roster, error) {
	if path == "" {
		return Roster{signers: map[string]ssh.PublicKey{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Roster{signers: map[string]ssh.PublicKey{}}, nil
		}
		return Roster{}, fmt.Errorf("read signer roster: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Roster{}, fmt.Errorf("parse signer roster: %w", err)
	}
	signers := make(map[string]ssh.PublicKey, len(raw))
	for name, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return Roster{}, fmt.Errorf("parse public key for signer %q: %w", name, err)
		}
		signers[name] = pub
	}
	return Roster{signers: signers}, nil
}

func (r Roster) Len() int { return len(r.signers) }

// sigWireFormat mirrors the body of an OpenSSH SSHSIG blob, minus the
// leading 6-byte "SSHSIG" magic which is stripped before unmarshaling.
type sigWireFormat struct {
	Version    uint32
	PublicKey  []byte
	Namespace  string
	Reserved   string
	HashAlgo   string
	Signature  []byte
}

// toSignBlob mirrors the "message" an OpenSSH signer actually signs: the
// magic preamble followed by namespace, reserved, hash algorithm, and
// the digest of the signed payload — see PROTOCOL.sshsig.
func toSignBlob(namespace, hashAlgo string, digest []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(sshsigMagic)
	buf.Write(ssh.Marshal(struct {
		Namespace string
		Reserved  string
		HashAlgo  string
		Digest    string
	}{namespace, "", hashAlgo, string(digest)}))
	return buf.Bytes()
}

// decodeArmoredSig strips the PEM-like SSH SIGNATURE armor and base64
// decodes the payload, returning the raw SSHSIG wire blob.
func decodeArmoredSig(raw []byte) ([]byte, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, sshsigArmorBegin)
	s = strings.TrimSuffix(s, sshsigArmorEnd)
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.TrimSpace(s)
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature armor: %w", err)
	}
	if len(decoded) < len(sshsigMagic) || string(decoded[:len(sshsigMagic)]) != sshsigMagic {
		return nil, fmt.Errorf("signature missing SSHSIG magic")
	}
	return decoded[len(sshsigMagic):], nil
}

// verifyDetached checks a single detached SSHSIG signature file against
// the digest of a signed file, and returns the signer name from the
// roster whose public key produced it, or "" if none matched.
func (r Roster) verifyDetached(sigBytes []byte, digestHex string) (string, error) {
	body, err := decodeArmoredSig(sigBytes)
	if err != nil {
		return "", err
	}
	var wire sigWireFormat
	if err := ssh.Unmarshal(body, &wire); err != nil {
		return "", fmt.Errorf("unmarshal sshsig: %w", err)
	}
	if wire.Namespace != SignatureNamespace {
		return "", fmt.Errorf("signature namespace %q, want %q", wire.Namespace, SignatureNamespace)
	}
	pub, err := ssh.ParsePublicKey(wire.PublicKey)
	if err != nil {
		return "", fmt.Errorf("parse signature public key: %w", err)
	}

	digest := sha256.Sum256([]byte(digestHex))
	blob := toSignBlob(wire.Namespace, "sha256", digest[:])

	var sig ssh.Signature
	if err := ssh.Unmarshal(wire.Signature, &sig); err != nil {
		return "", fmt.Errorf("unmarshal signature blob: %w", err)
	}

	for name, candidate := range r.signers {
		if !bytes.Equal(candidate.Marshal(), pub.Marshal()) {
			continue
		}
		if err := candidate.Verify(blob, &sig); err != nil {
			return "", fmt.Errorf("signature verification failed for signer %q: %w", name, err)
		}
		return name, nil
	}
	return "", nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
