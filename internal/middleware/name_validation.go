package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealed-store/internal/blobstore"
)

// BlobNameValidationMiddleware rejects requests whose {name} route variable
// is not a valid blob name before any request body is read.
func BlobNameValidationMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, ok := mux.Vars(r)["name"]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if err := blobstore.ValidateName(name); err != nil {
				logger.WithFields(logrus.Fields{
					"method": r.Method,
					"length": len(name),
				}).Debug("Rejected invalid blob name")
				writeError(w, r, http.StatusBadRequest, "InvalidName", err.Error(), name)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
