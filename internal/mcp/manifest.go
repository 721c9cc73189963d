package mcp

import (
	"os"

	"github.com/BurntSushi/toml"

	"codeask/internal/errors"
)

// ServerSpec describes how to launch and treat one tool server
type ServerSpec struct {
	ID          string            `toml:"-"`
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Env         map[string]string `toml:"env"`
	Essential   bool              `toml:"essential"`
	HiddenTools []string          `toml:"hidden_tools"`
}

// manifestFile is the on-disk shape of servers.toml
type manifestFile struct {
	Servers map[string]ServerSpec `toml:"servers"`
}

// LoadManifest reads a TOML tool server manifest:
//
//	[servers.serena]
//	command = "serena"
//	args = ["start-mcp-server", "--project", "./repo"]
//	essential = true
//
//	[servers.db]
//	command = "codeask-db-server"
//	env = { DATABASE_URL = "${DATABASE_URL}" }
//
// Env values support ${VAR} expansion from the process environment.
func LoadManifest(path string) ([]ServerSpec, error) {
	var file manifestFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, errors.New(errors.ConfigInvalid, "failed to parse server manifest", err)
	}
	if len(file.Servers) == 0 {
		return nil, errors.Newf(errors.ConfigInvalid, "no servers defined in %s", path)
	}

	// TOML maps have no order; sort essential first, then by ID, so the
	// catalog order is deterministic across restarts.
	ids := make([]string, 0, len(file.Servers))
	for id := range file.Servers {
		ids = append(ids, id)
	}
	sortServerIDs(ids, file.Servers)

	specs := make([]ServerSpec, 0, len(ids))
	for _, id := range ids {
		spec := file.Servers[id]
		spec.ID = id
		for k, v := range spec.Env {
			spec.Env[k] = os.Expand(v, os.Getenv)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func sortServerIDs(ids []string, servers map[string]ServerSpec) {
	// Insertion sort; manifests hold a handful of servers.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && serverLess(ids[j], ids[j-1], servers); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func serverLess(a, b string, servers map[string]ServerSpec) bool {
	sa, sb := servers[a], servers[b]
	if sa.Essential != sb.Essential {
		return sa.Essential
	}
	return a < b
}
