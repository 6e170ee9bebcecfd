package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Label keys persisted on every tenant container. They let tenantbox find
// its containers and the host ports they hold without consulting the
// registry, which is what port rehydration relies on.
//
// All keys share the "tenantbox." prefix to avoid collisions with labels set
// by other tools.
const (
	// LabelPrefix is the common prefix for all tenantbox labels.
	LabelPrefix = "tenantbox."

	// LabelManagedBy identifies containers managed by tenantbox.
	// Key: "tenantbox.managed-by", Value: always "tenantbox".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelTenant stores the tenant slug (e.g. "acme_corp").
	LabelTenant = LabelPrefix + "tenant"

	// LabelTenantName stores the tenant name as given at creation.
	LabelTenantName = LabelPrefix + "tenant-name"

	// LabelDBName stores the database name inside the container.
	LabelDBName = LabelPrefix + "db-name"

	// LabelHostPort stores the host port published for 5432/tcp.
	LabelHostPort = LabelPrefix + "host-port"

	// LabelCreatedAt stores the RFC3339 timestamp of container creation.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "tenantbox"

// TenantLabels is the metadata tenantbox stores on a container.
type TenantLabels struct {
	Slug      string
	Name      string
	DBName    string
	HostPort  int
	CreatedAt time.Time
}

// BuildLabels converts TenantLabels into a Docker label map.
func BuildLabels(tl TenantLabels) map[string]string {
	return map[string]string{
		LabelManagedBy:  ManagedByValue,
		LabelTenant:     tl.Slug,
		LabelTenantName: tl.Name,
		LabelDBName:     tl.DBName,
		LabelHostPort:   strconv.Itoa(tl.HostPort),
		LabelCreatedAt:  tl.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels reconstructs TenantLabels from a container's labels. It is the
// inverse of BuildLabels. All keys are required; the error lists every
// missing one.
func ParseLabels(labels map[string]string) (*TenantLabels, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelTenant,
		LabelTenantName,
		LabelDBName,
		LabelHostPort,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	port, err := ParseHostPortLabel(labels)
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return &TenantLabels{
		Slug:      labels[LabelTenant],
		Name:      labels[LabelTenantName],
		DBName:    labels[LabelDBName],
		HostPort:  port,
		CreatedAt: createdAt,
	}, nil
}

// ParseHostPortLabel returns the host port recorded on a container. It only
// needs LabelHostPort, so it also works for containers whose other labels
// were edited by hand.
func ParseHostPortLabel(labels map[string]string) (int, error) {
	v, ok := labels[LabelHostPort]
	if !ok {
		return 0, fmt.Errorf("missing label %s", LabelHostPort)
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid host port in label %q=%q", LabelHostPort, v)
	}
	return port, nil
}

// FilterLabels returns the label filter matching tenantbox containers.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}
