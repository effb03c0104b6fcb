package config

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/nainya/catalogfed/internal/logger"
	"github.com/nainya/catalogfed/pkg/catalog"
	"github.com/nainya/catalogfed/pkg/catalogservice"
	"github.com/nainya/catalogfed/pkg/dictionary"
	"github.com/nainya/catalogfed/pkg/index"
	_ "github.com/nainya/catalogfed/pkg/index/kvindex"
	_ "github.com/nainya/catalogfed/pkg/index/memory"
	_ "github.com/nainya/catalogfed/pkg/index/sqlindex"
	"github.com/nainya/catalogfed/pkg/mapping"
	"github.com/nainya/catalogfed/pkg/transaction"
)

// Switches converts the service section into catalogservice.Config
func (c ServiceConfig) Switches() catalogservice.Config {
	return catalogservice.Config{
		RestrictIngest:         c.RestrictIngest,
		RestrictQuery:          c.RestrictQuery,
		OneCatalogFailsAllFail: c.OneCatalogFailsAllFail,
		SimplifyQueries:        c.SimplifyQueries,
		QueryTimeout:           c.QueryTimeout,
		PageSize:               c.PageSize,
	}
}

// OpenCatalog builds one catalog: its index by backend name and its
// dictionary chain
func OpenCatalog(ctx context.Context, cc CatalogConfig, log *logger.Logger) (*catalog.Catalog, error) {
	idxLog := log.CatalogLogger(cc.ID).Zerolog().With().Str("backend", cc.Index.Type).Logger()
	idx, err := index.Open(ctx, cc.Index.Backend(), idxLog)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", cc.ID, err)
	}

	var dicts []dictionary.Dictionary
	for _, def := range cc.Dictionaries {
		ds, err := dictionary.Build(def)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("catalog %s: %w", cc.ID, err), idx.Close())
		}
		dicts = append(dicts, ds...)
	}

	c, err := catalog.New(cc.ID, idx,
		catalog.WithDictionaries(dicts...),
		catalog.RestrictQuery(cc.RestrictQuery),
		catalog.RestrictIngest(cc.RestrictIngest),
	)
	if err != nil {
		return nil, multierr.Append(err, idx.Close())
	}
	return c, nil
}

// BuildService opens the mapper and every configured catalog and returns
// the federating service. On error everything opened so far is closed.
func (c *Config) BuildService(ctx context.Context, log *logger.Logger, rec catalogservice.Recorder) (*catalogservice.Service, error) {
	factory, err := transaction.NewFactory(c.Service.TransactionIDFactory)
	if err != nil {
		return nil, err
	}
	mapper, err := mapping.Open(ctx, c.Mapper)
	if err != nil {
		return nil, fmt.Errorf("open mapper: %w", err)
	}

	catalogs := make([]*catalog.Catalog, 0, len(c.Catalogs))
	for _, cc := range c.Catalogs {
		cat, err := OpenCatalog(ctx, cc, log)
		if err != nil {
			for _, opened := range catalogs {
				err = multierr.Append(err, opened.Index().Close())
			}
			return nil, multierr.Append(err, mapper.Close())
		}
		catLog := log.CatalogLogger(cc.ID).Zerolog()
		catLog.Info().Str("backend", cc.Index.Type).
			Int("dictionaries", len(cat.Dictionaries())).Msg("catalog opened")
		catalogs = append(catalogs, cat)
	}

	opts := []catalogservice.Option{
		catalogservice.WithFactory(factory),
		catalogservice.WithMapper(mapper),
		catalogservice.WithLogger(log.Zerolog()),
		catalogservice.WithCatalogs(catalogs...),
	}
	if rec != nil {
		opts = append(opts, catalogservice.WithRecorder(rec))
	}
	return catalogservice.New(c.Service.Switches(), opts...), nil
}
