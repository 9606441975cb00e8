// SPDX-License-Identifier: Apache-2.0

package templates

// EnqueueFunction is the PL/pgSQL body for the statement-level AFTER
// INSERT/UPDATE/DELETE trigger installed on a base table. It runs once per
// statement (not once per row), reading the transition tables the host
// supplies (new_rows/old_rows) and bulk-inserting one RefreshKey per
// affected entity per changed row into the catalog's pending_refreshes
// landing zone. Per entity that depends on this base table, the trigger
// assumes the base table exposes a `pk_<entity>` column carrying that
// entity's own identity — the join key every base table in a TVIEW's
// FROM/JOIN tree is expected to carry, by the same convention the entity's
// own `tb_<entity>` source table uses for its primary key.
const EnqueueFunction = `CREATE OR REPLACE FUNCTION {{ .FunctionName | qi }}()
    RETURNS TRIGGER
    LANGUAGE PLPGSQL
    AS $$
    BEGIN
      {{- range .Entities }}
      IF TG_OP IN ('INSERT', 'UPDATE') THEN
        INSERT INTO {{ $.CatalogSchema | qi }}.pending_refreshes (entity, pk)
        SELECT {{ . | ql }}, new_rows.{{ printf "pk_%s" . | qi }} FROM new_rows
        ON CONFLICT DO NOTHING;
      END IF;
      IF TG_OP IN ('UPDATE', 'DELETE') THEN
        INSERT INTO {{ $.CatalogSchema | qi }}.pending_refreshes (entity, pk)
        SELECT {{ . | ql }}, old_rows.{{ printf "pk_%s" . | qi }} FROM old_rows
        ON CONFLICT DO NOTHING;
      END IF;
      {{- end }}
      RETURN NULL;
    END; $$
`

// EnqueueTrigger is the statement-level trigger registration pointing at
// EnqueueFunction, using transition tables so one trigger fire supplies
// every changed row in the statement (spec.md §4.4 "Bulk optimization").
const EnqueueTrigger = `CREATE OR REPLACE TRIGGER {{ .TriggerName | qi }}
    AFTER INSERT OR UPDATE OR DELETE ON {{ .BaseTable | qi }}
    REFERENCING NEW TABLE AS new_rows OLD TABLE AS old_rows
    FOR EACH STATEMENT
    EXECUTE PROCEDURE {{ .FunctionName | qi }}();
`
