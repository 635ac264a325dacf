package resource

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// Recognised usage types for binding URIs.
const (
	UsageQueueIn       = "queue-in"
	UsageQueueOut      = "queue-out"
	UsageStorageRead   = "storage-read"
	UsageStorageWrite  = "storage-write"
	UsageDBMetadata    = "database-metadata"
	UsageDBOrganism    = "database-organism"
	UsageDBEnvironment = "database-environment"
	UsageTopicWrite    = "topic-write"
	UsageTopicRead     = "topic-read"
)

var knownUsageTypes = map[string]bool{
	UsageQueueIn: true, UsageQueueOut: true,
	UsageStorageRead: true, UsageStorageWrite: true,
	UsageDBMetadata: true, UsageDBOrganism: true, UsageDBEnvironment: true,
	UsageTopicWrite: true, UsageTopicRead: true,
}

// Context carries one parsed binding: which service port asked for which
// resource, under which usage type, with which parameters.
type Context struct {
	ServiceName string
	PortName    string
	UsageType   string
	Resource    string
	Params      map[string]string
}

// Param returns a binding parameter or its default.
func (c Context) Param(key, def string) string {
	if v, ok := c.Params[key]; ok {
		return v
	}
	return def
}

// ParseBinding parses "<usage_type>:<resource_name>?k1=v1&k2=v2".
// topic-read bindings require a consumerGroup parameter.
func ParseBinding(serviceName, portName, uri string) (Context, error) {
	usage, rest, ok := strings.Cut(uri, ":")
	if !ok || usage == "" || rest == "" {
		return Context{}, fmt.Errorf("op=binding.parse: %w: %q", domain.ErrInvalidArgument, uri)
	}
	if !knownUsageTypes[usage] {
		return Context{}, fmt.Errorf("op=binding.parse: %w: usage type %q", domain.ErrInvalidArgument, usage)
	}
	name := rest
	params := map[string]string{}
	if raw, query, found := strings.Cut(rest, "?"); found {
		name = raw
		vals, err := url.ParseQuery(query)
		if err != nil {
			return Context{}, fmt.Errorf("op=binding.parse: %w", err)
		}
		for k := range vals {
			params[k] = vals.Get(k)
		}
	}
	if name == "" {
		return Context{}, fmt.Errorf("op=binding.parse: %w: missing resource name in %q", domain.ErrInvalidArgument, uri)
	}
	if usage == UsageTopicRead && params["consumerGroup"] == "" {
		return Context{}, fmt.Errorf("op=binding.parse: %w: topic-read requires consumerGroup", domain.ErrInvalidArgument)
	}
	return Context{
		ServiceName: serviceName,
		PortName:    portName,
		UsageType:   usage,
		Resource:    name,
		Params:      params,
	}, nil
}
