package ctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the config store handle shared by the memsto caches and models.
type Context struct {
	DB  *gorm.DB
	Ctx context.Context
}

func NewContext(ctx context.Context, db *gorm.DB) *Context {
	return &Context{
		Ctx: ctx,
		DB:  db,
	}
}

func (c *Context) GetContext() context.Context {
	return c.Ctx
}

func (c *Context) GetDB() *gorm.DB {
	return c.DB
}
