package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// admins may review refund requests and adjust any event's availability.
func init() {
	m.Register(func(app core.App) error {
		collection := core.NewAuthCollection("admins")
		collection.PasswordAuth.Enabled = true
		collection.PasswordAuth.IdentityFields = []string{"email"}

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("admins")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
