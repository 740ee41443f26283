package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Bundle is the import format handed out by a monitoring site. JSON
// bundles are accepted as well, being valid YAML.
type Bundle struct {
	ID          string `yaml:"id"`
	UUID        string `yaml:"uuid"`
	Mode        string `yaml:"mode"`
	Address     string `yaml:"address"`
	Certificate string `yaml:"certificate"`
	PrivateKey  string `yaml:"private_key"`
	TrustAnchor string `yaml:"trust_anchor"`
	PeerName    string `yaml:"peer_name"`
	Label       string `yaml:"label"`
}

// Registration converts the bundle. Defaults are filled by Store.Insert.
func (b Bundle) Registration() (Registration, error) {
	mode, err := ParseMode(b.Mode)
	if err != nil {
		return Registration{}, fmt.Errorf("bundle %q: %w", b.ID, err)
	}
	return Registration{
		ID:          b.ID,
		UUID:        b.UUID,
		Mode:        mode,
		Address:     b.Address,
		Identity:    Identity{CertPEM: b.Certificate, KeyPEM: b.PrivateKey},
		TrustAnchor: b.TrustAnchor,
		PeerName:    b.PeerName,
		Label:       b.Label,
	}, nil
}

// ParseBundles decodes a single bundle, a list of bundles, or a mapping
// with a "registrations" list
func ParseBundles(data []byte) ([]Bundle, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: bundle: %v", ErrInvalid, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: bundle is empty", ErrInvalid)
	}
	root := doc.Content[0]

	var bundles []Bundle
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&bundles); err != nil {
			return nil, fmt.Errorf("%w: bundle: %v", ErrInvalid, err)
		}
	case yaml.MappingNode:
		var wrapped struct {
			Registrations []Bundle `yaml:"registrations"`
		}
		if err := root.Decode(&wrapped); err == nil && len(wrapped.Registrations) > 0 {
			bundles = wrapped.Registrations
			break
		}
		var single Bundle
		if err := root.Decode(&single); err != nil {
			return nil, fmt.Errorf("%w: bundle: %v", ErrInvalid, err)
		}
		bundles = []Bundle{single}
	default:
		return nil, fmt.Errorf("%w: bundle must be a mapping or a list", ErrInvalid)
	}

	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w: bundle contains no registrations", ErrInvalid)
	}
	return bundles, nil
}
