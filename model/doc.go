// Package model maps Go structs onto kvdoc schemas.
//
// Struct tags declare the id and the indexes; the field name used in the
// stored document is the json name:
//
//	type User struct {
//	    ID    string `json:"id" kv:"id"`
//	    Email string `json:"email" kv:"unique"`
//	    City  string `json:"city" kv:"index"`
//	    Name  string `json:"name"`
//	}
//
//	users, err := model.New[User](driver, "", model.Options{AutoIncrement: true})
//	created, err := users.Create(ctx, &User{Email: "alice@example.com", City: "Oslo"})
//	// created.ID == "1"
//
// Tags:
//
//   - kv:"id" marks the id field (defaults to the field named ID). It must be a string.
//   - kv:"index" adds a multi index: many entities per value.
//   - kv:"unique" adds a unique index: at most one entity per value.
//
// The schema name defaults to the pluralized type name (User -> "users").
// Values go through the driver's codec, so a struct is stored exactly as the
// codec would encode it.
package model
