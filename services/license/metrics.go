package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "license_validations_total",
		Help:      "License validations by outcome.",
	}, []string{"result"})

	issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "licenses_issued_total",
		Help:      "Licenses issued by tier.",
	}, []string{"tier"})

	signedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "license_files_signed_total",
		Help:      "Signed license file versions produced.",
	})

	sweptFileVersionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "licensing",
		Name:      "license_file_versions_swept_total",
		Help:      "License file versions removed by the retention sweep.",
	})
)
