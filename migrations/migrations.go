// Package migrations holds the todo app's schema history. Each file is named
// <unixtimestamp>_<description>.go and registers itself from init().
//
// Available commands:
//
//	app migrate create <description>  - Write a blank YAML migration to the migrations dir
//	app migrate up                    - Apply pending migrations
//	app migrate down [n]              - Revert the last n migrations
//	app migrate status                - List migrations and whether they are applied
//	app migrate verify                - Check that every down undoes its up
package migrations

// TodosID is the id of the todos collection.
const TodosID = "lad3e15d50ci63z"
