package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/kevinburke/ssh_config"

	"nicmon/internal/addrutil"
	"nicmon/internal/model"
)

// Aliases resolves hop addresses through an OpenSSH client config file.
type Aliases struct {
	cfg *ssh_config.Config
}

// LoadAliases parses path, or ~/.ssh/config when path is empty.
// A missing default file yields an empty resolver.
func LoadAliases(path string) (*Aliases, error) {
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return &Aliases{}, nil
		}
		path = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return &Aliases{}, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return &Aliases{cfg: cfg}, nil
}

// Resolve fills HostName, Port, User and IdentityFile from a matching Host block.
// Values set explicitly on the hop win.
func (a *Aliases) Resolve(hop model.Hop) model.Hop {
	if a == nil || a.cfg == nil {
		return hop
	}
	user, rest := addrutil.SplitUser(hop.Address)
	alias := addrutil.Host(rest)
	if alias == "" {
		return hop
	}

	get := func(key string) string {
		v, err := a.cfg.Get(alias, key)
		if err != nil {
			return ""
		}
		return v
	}

	host := alias
	if h := get("HostName"); h != "" {
		host = h
	}
	addr := rest
	if host != alias {
		if _, port, err := net.SplitHostPort(rest); err == nil {
			addr = net.JoinHostPort(host, port)
		} else {
			addr = host
		}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if p := get("Port"); p != "" {
			addr = net.JoinHostPort(addrutil.Host(addr), p)
		}
	}
	if user != "" {
		addr = user + "@" + addr
	}
	hop.Address = addr

	if hop.User == "" && user == "" {
		hop.User = get("User")
	}
	if hop.KeyFile == "" {
		hop.KeyFile = get("IdentityFile")
	}
	return hop
}
