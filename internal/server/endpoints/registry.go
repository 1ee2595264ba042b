package endpoints

import (
	"github.com/jackzampolin/auralens/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		&HealthEndpoint{},
		&StatusEndpoint{},

		&ListBooksEndpoint{},
		&GetBookEndpoint{},
		&AddBookEndpoint{},
		NewCancelBookEndpoint(),
		NewResumeBookEndpoint(),
		NewRestartBookEndpoint(),
		&EditPageEndpoint{},
		&RescanPageEndpoint{},

		&ListJobsEndpoint{},
		&MetricsEndpoint{},
	}
}
