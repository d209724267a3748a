package upstream

import (
	"encoding/json"
	"os"

	"github.com/pml-dev/gateway/pkg/models"
)

// LoadServersFromFile reads the tool-server set from a JSON file: an array of
// {id, transport:{type, command|url, ...}} objects. Ids must be unique and
// non-empty.
func LoadServersFromFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.WrapError(models.KindValidation, err, "read tool server config")
	}
	var servers []ServerConfig
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, models.WrapError(models.KindValidation, err, "parse tool server config %s", path)
	}
	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		if s.ID == "" {
			return nil, models.NewError(models.KindValidation, "tool server with empty id in %s", path)
		}
		if seen[s.ID] {
			return nil, models.NewError(models.KindValidation, "duplicate tool server id %q in %s", s.ID, path)
		}
		seen[s.ID] = true
	}
	return servers, nil
}
