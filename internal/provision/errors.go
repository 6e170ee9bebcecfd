package provision

import (
	"errors"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// annotate attaches tenant and stage to err. A model.Error keeps its code
// and any stage it already names; other errors are wrapped with code.
func annotate(err error, tenant, stage string, code model.ExitCode) error {
	var me *model.Error
	if errors.As(err, &me) {
		if me.Stage != "" {
			stage = ""
		}
		return me.WithTenant(tenant, stage)
	}
	return model.WrapError(code, "", err).WithTenant(tenant, stage)
}
