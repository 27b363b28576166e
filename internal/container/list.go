package container

import (
	"bufio"
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Container is one entry of the runtime's container listing.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Status  string `json:"status"`
	Created string `json:"created"`
	Running bool   `json:"running"`
}

// ListContainers returns all containers known to the runtime. keyword, when
// set, keeps only containers whose name, image or id contains it (case
// insensitive).
func (r *Runtime) ListContainers(ctx context.Context, keyword string, runningOnly bool) ([]Container, error) {
	res, err := r.run(ctx, "ps", "-a", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}

	containers := ParseContainerList(res.Stdout)
	keyword = strings.ToLower(keyword)

	filtered := make([]Container, 0, len(containers))
	for _, c := range containers {
		if runningOnly && !c.Running {
			continue
		}
		if keyword != "" {
			searchable := strings.ToLower(c.Name + " " + c.Image + " " + c.ID)
			if !strings.Contains(searchable, keyword) {
				continue
			}
		}
		filtered = append(filtered, c)
	}
	return filtered, nil
}

// ParseContainerList decodes one JSON object per line. Field names differ
// between runtimes and versions, so each attribute is looked up under every
// known spelling. Lines that are not JSON objects are skipped.
func ParseContainerList(output string) []Container {
	var containers []Container

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}

		c := Container{
			ID:      field(raw, "ID", "Id"),
			Name:    strings.TrimPrefix(field(raw, "Names", "Name"), "/"),
			Image:   field(raw, "Image"),
			Status:  field(raw, "Status", "State"),
			Created: field(raw, "CreatedAt", "Created"),
		}
		c.Running = strings.Contains(c.Status, "Up") || c.Status == "running"
		containers = append(containers, c)
	}
	return containers
}

// field returns the first non-empty value under any of keys, flattening
// list values (podman reports Names as an array) and numbers.
func field(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				if s, ok := p.(string); ok {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, ",")
			}
		case float64:
			return strconv.FormatInt(int64(val), 10)
		case bool:
			return strconv.FormatBool(val)
		}
	}
	return ""
}
