package devserver

// Schema DDL. Entities of every registered type share one table; body holds
// the JSON payload exactly as served.
const (
	createEntities = `CREATE TABLE entities (
    type TEXT NOT NULL,
    id TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (type, id)
);`

	idxEntitiesType = `CREATE INDEX idx_entities_type ON entities(type);`
)

// schemaDDL lists the statements run on Attach, in order.
var schemaDDL = []string{
	createEntities,
	idxEntitiesType,
}
