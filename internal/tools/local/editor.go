package local

import (
	"github.com/user/cadpilot/internal/tools"
	"github.com/user/cadpilot/internal/types"
)

// RegisterEditor adds the editor catalog: every tool here mutates the CAD
// document inside the browser, so all of them are remote descriptors whose
// execution defers to the bridge. Edits are reversible through the
// collaborative document log, which is why none of them require approval.
func RegisterEditor(reg *tools.Registry) {
	defs := []*tools.Definition{
		{
			Name:        "create_sketch",
			Description: "Start a new sketch on a named plane or face",
			Parameters: objSchema(map[string]string{
				"plane": "Plane or face to sketch on (e.g. XY, XZ, YZ, or a face id)",
			}, []string{"plane"}),
			Remote: true,
		},
		{
			Name:        "sketch_line",
			Description: "Draw a line segment in the active sketch",
			Parameters: objSchema(map[string]string{
				"from": "Start point as \"x,y\" in sketch coordinates",
				"to":   "End point as \"x,y\" in sketch coordinates",
			}, []string{"from", "to"}),
			Remote: true,
		},
		{
			Name:        "sketch_circle",
			Description: "Draw a circle in the active sketch",
			Parameters: objSchema(map[string]string{
				"center": "Center point as \"x,y\" in sketch coordinates",
				"radius": "Radius in model units",
			}, []string{"center", "radius"}),
			Remote: true,
		},
		{
			Name:        "extrude",
			Description: "Extrude the active sketch into a solid",
			Parameters: objSchema(map[string]string{
				"sketch_id": "Sketch to extrude",
				"distance":  "Extrusion distance in model units",
			}, []string{"sketch_id", "distance"}),
			Remote: true,
		},
		{
			Name:        "fillet",
			Description: "Round an edge of the model",
			Parameters: objSchema(map[string]string{
				"edge_id": "Edge to fillet",
				"radius":  "Fillet radius in model units",
			}, []string{"edge_id", "radius"}),
			Remote: true,
		},
		{
			Name:        "delete_feature",
			Description: "Remove a feature from the model history",
			Parameters: objSchema(map[string]string{
				"feature_id": "Feature to remove",
			}, []string{"feature_id"}),
			Remote: true,
		},
		{
			Name:        "list_features",
			Description: "List the model's feature history",
			Parameters:  objSchema(nil, nil),
			Remote:      true,
		},
	}
	for _, def := range defs {
		reg.Register(types.ContextEditor, def)
	}
}
