/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/ninja/lib/utils"
	"github.com/gravitational/trace"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// recognizedKeys is the full set of configuration keys, matched
// case-insensitively against file entries and environment variables.
var recognizedKeys = []string{
	"apikey", "ninja_host", "ninja_port", "api_secret", "remote_execution",
	"authenticator_token", "monitor_username", "monitor_password",
	"monitor_session", "mfa_timeout", "mfa_resend_delay", "database",
	"rate_limit", "processes", "services", "service_lib", "disk_lib",
	"gpu_lib", "processor_lib", "host_password", "mailgun_domain",
	"mailgun_api_key", "email_sender", "email_recipient", "ntfy_url",
	"ntfy_topic", "ntfy_username", "ntfy_password", "debug",
}

// Load reads the configuration file at path (optional), overlays
// process environment variables on top of it, and validates the
// result. Environment wins over the file; flags applied later win
// over both.
func Load(path string) (*Config, error) {
	raw := make(map[string]interface{})
	if path != "" {
		parsed, err := parseFile(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for k, v := range parsed {
			raw[strings.ToLower(k)] = v
		}
	}
	applyEnvironment(raw)
	normalize(raw)

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, trace.BadParameter("parsing configuration: %v", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// parseFile dispatches on the file extension. Unknown extensions are
// treated as env-style text, matching how operators hand the agent
// plain "KEY=value" files.
func parseFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		out := make(map[string]interface{})
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, trace.BadParameter("parsing %v: %v", path, err)
		}
		return out, nil
	case ".yaml", ".yml":
		var parsed map[interface{}]interface{}
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, trace.BadParameter("parsing %v: %v", path, err)
		}
		return stringKeys(parsed), nil
	default:
		return parseEnvText(data)
	}
}

// parseEnvText reads KEY=VALUE lines, tolerating comments, blank
// lines, "export " prefixes and quoted values.
func parseEnvText(data []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		out[key] = value
	}
	return out, trace.Wrap(scanner.Err())
}

// applyEnvironment overlays recognized keys found in the process
// environment, matched case-insensitively.
func applyEnvironment(raw map[string]interface{}) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, found := strings.Cut(kv, "=")
		if found {
			env[strings.ToLower(key)] = value
		}
	}
	for _, key := range recognizedKeys {
		if value, ok := env[key]; ok {
			raw[key] = value
		}
	}
}

// normalize reshapes values that arrive as strings from env files
// into the forms the decoder expects.
func normalize(raw map[string]interface{}) {
	if v, ok := raw["rate_limit"].(string); ok {
		var parsed interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			raw["rate_limit"] = parsed
		}
	}
	for _, key := range []string{"processes", "services"} {
		if v, ok := raw[key].(string); ok {
			raw[key] = utils.ParseCommaList(v)
		}
	}
}

// stringKeys converts the map[interface{}]interface{} trees yaml.v2
// produces into string-keyed maps the decoder can walk.
func stringKeys(in map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = convertValue(v)
	}
	return out
}

func convertValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		return stringKeys(val)
	case []interface{}:
		for i := range val {
			val[i] = convertValue(val[i])
		}
		return val
	default:
		return v
	}
}
