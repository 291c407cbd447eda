package database

import (
	"context"
	"fmt"
)

// ServiceDirectory is a read-only snapshot of the services, taken when it is
// loaded. Reload it to see later changes.
type ServiceDirectory struct {
	byCode map[string]Service
}

// LoadServiceDirectory snapshots the services table.
func (s *Store) LoadServiceDirectory(ctx context.Context) (*ServiceDirectory, error) {
	var services []Service
	if err := s.db.WithContext(ctx).Find(&services).Error; err != nil {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}
	return NewServiceDirectory(services), nil
}

// NewServiceDirectory builds a directory from services.
func NewServiceDirectory(services []Service) *ServiceDirectory {
	d := &ServiceDirectory{byCode: make(map[string]Service, len(services))}
	for _, svc := range services {
		d.byCode[svc.Code] = svc
	}
	return d
}

// Lookup returns the service of a code. A nil directory knows no service.
func (d *ServiceDirectory) Lookup(code string) (Service, bool) {
	if d == nil {
		return Service{}, false
	}
	svc, ok := d.byCode[code]
	return svc, ok
}

// Len returns the number of services.
func (d *ServiceDirectory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byCode)
}
