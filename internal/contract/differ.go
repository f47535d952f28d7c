package contract

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tidemark-io/propagate/pkg/alg/mapx"
)

// DiffKind enumerates the categories of contract change the differ emits.
type DiffKind string

// The closed set of diff kinds.
const (
	DiffOperationAdded           DiffKind = "operation_added"
	DiffOperationRemoved         DiffKind = "operation_removed"
	DiffFieldAddedRequired       DiffKind = "field_added_required"
	DiffFieldOptionalToRequired  DiffKind = "field_optional_to_required"
	DiffFieldRemoved             DiffKind = "field_removed"
	DiffFieldTypeChanged         DiffKind = "field_type_changed"
	DiffEnumValuesRemoved        DiffKind = "enum_values_removed"
	DiffNestedFieldRemoved       DiffKind = "nested_field_removed"
	DiffNestedFieldAdded         DiffKind = "nested_field_added"
	DiffNestedFieldTypeChanged   DiffKind = "nested_field_type_changed"
	DiffArrayItemTypeChanged     DiffKind = "array_item_type_changed"
	DiffParameterAddedRequired   DiffKind = "parameter_added_required"
	DiffParameterRemoved         DiffKind = "parameter_removed"
	DiffParameterTypeChanged     DiffKind = "parameter_type_changed"
	DiffContentTypeChanged       DiffKind = "content_type_changed"
	DiffSecurityChanged          DiffKind = "security_changed"
	DiffResponseStructureChanged DiffKind = "response_structure_changed"
)

// FieldDiff is a single difference between two versions of a contract.
// Field is a dotted pointer such as "request.body.priority" or
// "response.200.total".
type FieldDiff struct {
	Path     string
	Method   string
	Field    string
	OldValue any
	NewValue any
	Kind     DiffKind
}

// jsonMediaType is the media type whose schema the differ compares.
const jsonMediaType = "application/json"

// httpMethods are the operation keys the differ inspects, in lowercase.
var httpMethods = []string{"delete", "get", "head", "options", "patch", "post", "put"}

// Diff compares two parsed contracts and returns the ordered list of
// differences, sorted by path, method, and field pointer. $ref pointers are
// already resolved by the document loader; schema cycles terminate via an
// in-progress pair set.
func Diff(oldDoc, newDoc *openapi3.T) []FieldDiff {
	d := &differ{
		oldDoc: oldDoc,
		newDoc: newDoc,
		active: make(map[schemaPair]bool),
	}

	oldPaths := pathItems(oldDoc)
	newPaths := pathItems(newDoc)

	union := make(map[string]struct{}, len(oldPaths)+len(newPaths))
	for p := range oldPaths {
		union[p] = struct{}{}
	}

	for p := range newPaths {
		union[p] = struct{}{}
	}

	for _, path := range mapx.SortedKeys(union) {
		oldItem := oldPaths[path]
		newItem := newPaths[path]

		for _, method := range httpMethods {
			oldOp := operationFor(oldItem, method)
			newOp := operationFor(newItem, method)

			switch {
			case oldOp == nil && newOp == nil:
				continue
			case oldOp == nil:
				d.add(path, method, "operation", nil, "added", DiffOperationAdded)

				continue
			case newOp == nil:
				d.add(path, method, "operation", "exists", nil, DiffOperationRemoved)

				continue
			}

			d.compareParameters(path, method, oldItem, newItem, oldOp, newOp)
			d.compareRequestBody(path, method, oldOp, newOp)
			d.compareResponses(path, method, oldOp, newOp)
			d.compareSecurity(path, method, oldOp, newOp)
		}
	}

	sort.Slice(d.diffs, func(i, j int) bool {
		a, b := d.diffs[i], d.diffs[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}

		if a.Method != b.Method {
			return a.Method < b.Method
		}

		if a.Field != b.Field {
			return a.Field < b.Field
		}

		return a.Kind < b.Kind
	})

	return d.diffs
}

// schemaPair identifies a (old, new) schema comparison in progress.
type schemaPair struct {
	oldSchema *openapi3.Schema
	newSchema *openapi3.Schema
}

type differ struct {
	oldDoc *openapi3.T
	newDoc *openapi3.T
	diffs  []FieldDiff

	// active guards nested recursion against $ref cycles. Pairs are removed
	// on exit so shared sub-schemas are still compared under sibling fields.
	active map[schemaPair]bool
}

func (d *differ) add(path, method, field string, oldValue, newValue any, kind DiffKind) {
	d.diffs = append(d.diffs, FieldDiff{
		Path:     path,
		Method:   method,
		Field:    field,
		OldValue: oldValue,
		NewValue: newValue,
		Kind:     kind,
	})
}

func (d *differ) compareRequestBody(path, method string, oldOp, newOp *openapi3.Operation) {
	oldTypes := requestMediaTypes(oldOp)
	newTypes := requestMediaTypes(newOp)

	if (len(oldTypes) > 0 || len(newTypes) > 0) && !slices.Equal(oldTypes, newTypes) {
		d.add(path, method, "request.content", oldTypes, newTypes, DiffContentTypeChanged)
	}

	oldSchema := requestSchema(oldOp)
	newSchema := requestSchema(newOp)

	if oldSchema == nil && newSchema == nil {
		return
	}

	d.compareRequestFields(path, method, "request.body", oldSchema, newSchema)
}

func (d *differ) compareRequestFields(path, method, prefix string, oldSchema, newSchema *openapi3.Schema) {
	oldProps := schemaProperties(oldSchema)
	newProps := schemaProperties(newSchema)
	oldRequired := requiredSet(oldSchema)
	newRequired := requiredSet(newSchema)

	for _, name := range mapx.SortedKeys(newRequired) {
		if oldRequired[name] {
			continue
		}

		_, inOld := oldProps[name]
		_, inNew := newProps[name]

		switch {
		case !inOld:
			d.add(path, method, prefix+"."+name, nil, propType(newProps, name), DiffFieldAddedRequired)
		case inNew:
			d.add(path, method, prefix+"."+name, "optional", "required", DiffFieldOptionalToRequired)
		}
	}

	for _, name := range mapx.SortedKeys(oldProps) {
		if _, ok := newProps[name]; !ok {
			d.add(path, method, prefix+"."+name, propType(oldProps, name), nil, DiffFieldRemoved)
		}
	}

	d.compareCommonFields(path, method, prefix, oldProps, newProps, false)
}

func (d *differ) compareResponses(path, method string, oldOp, newOp *openapi3.Operation) {
	oldResps := responseRefs(oldOp)
	newResps := responseRefs(newOp)

	union := make(map[string]struct{}, len(oldResps)+len(newResps))
	for status := range oldResps {
		union[status] = struct{}{}
	}

	for status := range newResps {
		union[status] = struct{}{}
	}

	for _, status := range mapx.SortedKeys(union) {
		oldSchema := responseSchema(oldResps[status])
		newSchema := responseSchema(newResps[status])

		if oldSchema == nil && newSchema == nil {
			continue
		}

		prefix := "response." + status
		oldProps := schemaProperties(oldSchema)
		newProps := schemaProperties(newSchema)

		for _, name := range mapx.SortedKeys(oldProps) {
			if _, ok := newProps[name]; !ok {
				d.add(path, method, prefix+"."+name, propType(oldProps, name), nil, DiffFieldRemoved)
			}
		}

		for _, name := range mapx.SortedKeys(newProps) {
			if _, ok := oldProps[name]; ok {
				continue
			}

			if isObject(newProps[name]) {
				d.add(path, method, prefix+"."+name, nil, "object", DiffResponseStructureChanged)
			}
		}

		d.compareCommonFields(path, method, prefix, oldProps, newProps, false)
	}
}

// compareCommonFields diffs fields present on both sides: array element type,
// scalar type, nested object recursion, and enum narrowing.
func (d *differ) compareCommonFields(
	path, method, prefix string, oldProps, newProps map[string]*openapi3.Schema, nested bool,
) {
	typeKind := DiffFieldTypeChanged
	if nested {
		typeKind = DiffNestedFieldTypeChanged
	}

	for _, name := range mapx.SortedKeys(oldProps) {
		newProp, ok := newProps[name]
		if !ok {
			continue
		}

		oldProp := oldProps[name]
		pointer := prefix + "." + name

		switch {
		case isArray(oldProp) && isArray(newProp):
			oldItem := scalarType(arrayElement(oldProp))
			newItem := scalarType(arrayElement(newProp))

			if oldItem != newItem {
				d.add(path, method, pointer, oldItem, newItem, DiffArrayItemTypeChanged)
			}
		case scalarType(oldProp) != scalarType(newProp):
			d.add(path, method, pointer, scalarType(oldProp), scalarType(newProp), typeKind)
		case isObject(oldProp) && isObject(newProp):
			d.compareNestedFields(path, method, pointer, oldProp, newProp)
		}

		d.compareEnums(path, method, pointer, oldProp, newProp)
	}
}

func (d *differ) compareNestedFields(path, method, prefix string, oldSchema, newSchema *openapi3.Schema) {
	pair := schemaPair{oldSchema: oldSchema, newSchema: newSchema}
	if d.active[pair] {
		return
	}

	d.active[pair] = true
	defer delete(d.active, pair)

	oldProps := schemaProperties(oldSchema)
	newProps := schemaProperties(newSchema)

	for _, name := range mapx.SortedKeys(oldProps) {
		if _, ok := newProps[name]; !ok {
			d.add(path, method, prefix+"."+name, propType(oldProps, name), nil, DiffNestedFieldRemoved)
		}
	}

	for _, name := range mapx.SortedKeys(newProps) {
		if _, ok := oldProps[name]; !ok {
			d.add(path, method, prefix+"."+name, nil, propType(newProps, name), DiffNestedFieldAdded)
		}
	}

	d.compareCommonFields(path, method, prefix, oldProps, newProps, true)
}

// compareEnums emits enum_values_removed when the new enum set is a strict
// subset of the old one.
func (d *differ) compareEnums(path, method, pointer string, oldProp, newProp *openapi3.Schema) {
	if len(oldProp.Enum) == 0 || len(newProp.Enum) == 0 {
		return
	}

	oldSet := enumSet(oldProp.Enum)
	newSet := enumSet(newProp.Enum)

	if len(newSet) >= len(oldSet) {
		return
	}

	for v := range newSet {
		if _, ok := oldSet[v]; !ok {
			return
		}
	}

	d.add(path, method, pointer, oldProp.Enum, newProp.Enum, DiffEnumValuesRemoved)
}

// paramKey identifies a parameter by (name, location).
type paramKey struct {
	name     string
	location string
}

func (d *differ) compareParameters(
	path, method string, oldItem, newItem *openapi3.PathItem, oldOp, newOp *openapi3.Operation,
) {
	oldParams := parameterMap(oldItem, oldOp)
	newParams := parameterMap(newItem, newOp)

	union := make(map[paramKey]struct{}, len(oldParams)+len(newParams))
	for k := range oldParams {
		union[k] = struct{}{}
	}

	for k := range newParams {
		union[k] = struct{}{}
	}

	keys := make([]paramKey, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].location != keys[j].location {
			return keys[i].location < keys[j].location
		}

		return keys[i].name < keys[j].name
	})

	for _, key := range keys {
		oldParam, inOld := oldParams[key]
		newParam, inNew := newParams[key]
		pointer := "parameter." + key.location + "." + key.name

		switch {
		case !inOld:
			if newParam.Required {
				d.add(path, method, pointer, nil, paramType(newParam, "required"), DiffParameterAddedRequired)
			}
		case !inNew:
			d.add(path, method, pointer, paramType(oldParam, "exists"), nil, DiffParameterRemoved)
		default:
			oldType := paramType(oldParam, "")
			newType := paramType(newParam, "")

			if oldType != newType {
				d.add(path, method, pointer, oldType, newType, DiffParameterTypeChanged)
			}
		}
	}
}

func (d *differ) compareSecurity(path, method string, oldOp, newOp *openapi3.Operation) {
	oldNames := securityNames(d.oldDoc, oldOp)
	newNames := securityNames(d.newDoc, newOp)

	if slices.Equal(oldNames, newNames) {
		return
	}

	d.add(path, method, "security", oldNames, newNames, DiffSecurityChanged)
}

func pathItems(doc *openapi3.T) map[string]*openapi3.PathItem {
	if doc == nil || doc.Paths == nil {
		return nil
	}

	return doc.Paths.Map()
}

func operationFor(item *openapi3.PathItem, method string) *openapi3.Operation {
	if item == nil {
		return nil
	}

	switch method {
	case "delete":
		return item.Delete
	case "get":
		return item.Get
	case "head":
		return item.Head
	case "options":
		return item.Options
	case "patch":
		return item.Patch
	case "post":
		return item.Post
	case "put":
		return item.Put
	default:
		return nil
	}
}

func requestMediaTypes(op *openapi3.Operation) []string {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}

	return mapx.SortedKeys(op.RequestBody.Value.Content)
}

func requestSchema(op *openapi3.Operation) *openapi3.Schema {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}

	mt := op.RequestBody.Value.Content.Get(jsonMediaType)
	if mt == nil || mt.Schema == nil {
		return nil
	}

	return unwrapArray(mt.Schema.Value)
}

func responseRefs(op *openapi3.Operation) map[string]*openapi3.ResponseRef {
	if op.Responses == nil {
		return nil
	}

	return op.Responses.Map()
}

func responseSchema(ref *openapi3.ResponseRef) *openapi3.Schema {
	if ref == nil || ref.Value == nil {
		return nil
	}

	mt := ref.Value.Content.Get(jsonMediaType)
	if mt == nil || mt.Schema == nil {
		return nil
	}

	return unwrapArray(mt.Schema.Value)
}

// unwrapArray resolves array-typed bodies to their item schema so element
// fields are diffed directly. The loop is bounded against self-referential
// item chains.
func unwrapArray(s *openapi3.Schema) *openapi3.Schema {
	const maxUnwrap = 16

	for range maxUnwrap {
		if s == nil || !isArray(s) || s.Items == nil || s.Items.Value == nil {
			return s
		}

		s = s.Items.Value
	}

	return s
}

func arrayElement(s *openapi3.Schema) *openapi3.Schema {
	if s.Items == nil {
		return nil
	}

	return s.Items.Value
}

func schemaProperties(s *openapi3.Schema) map[string]*openapi3.Schema {
	if s == nil {
		return nil
	}

	props := make(map[string]*openapi3.Schema, len(s.Properties))

	for name, ref := range s.Properties {
		if ref != nil && ref.Value != nil {
			props[name] = ref.Value
		}
	}

	return props
}

func requiredSet(s *openapi3.Schema) map[string]bool {
	if s == nil {
		return nil
	}

	set := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		set[name] = true
	}

	return set
}

// propType returns the scalar type of props[name], or nil when absent.
func propType(props map[string]*openapi3.Schema, name string) any {
	prop, ok := props[name]
	if !ok {
		return nil
	}

	return scalarType(prop)
}

func scalarType(s *openapi3.Schema) string {
	if s == nil || s.Type == nil {
		return ""
	}

	return strings.Join([]string(*s.Type), ",")
}

func isArray(s *openapi3.Schema) bool {
	return s != nil && s.Type != nil && s.Type.Is("array")
}

func isObject(s *openapi3.Schema) bool {
	return s != nil && s.Type != nil && s.Type.Is("object")
}

func enumSet(values []any) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[fmt.Sprint(v)] = struct{}{}
	}

	return set
}

func paramType(p *openapi3.Parameter, fallback string) string {
	if p.Schema != nil && p.Schema.Value != nil {
		if t := scalarType(p.Schema.Value); t != "" {
			return t
		}
	}

	return fallback
}

func parameterMap(item *openapi3.PathItem, op *openapi3.Operation) map[paramKey]*openapi3.Parameter {
	params := make(map[paramKey]*openapi3.Parameter)

	if item != nil {
		collectParameters(params, item.Parameters)
	}

	if op != nil {
		collectParameters(params, op.Parameters)
	}

	return params
}

func collectParameters(dst map[paramKey]*openapi3.Parameter, refs openapi3.Parameters) {
	for _, ref := range refs {
		if ref == nil || ref.Value == nil {
			continue
		}

		dst[paramKey{name: ref.Value.Name, location: ref.Value.In}] = ref.Value
	}
}

func securityNames(doc *openapi3.T, op *openapi3.Operation) []string {
	reqs := doc.Security
	if op.Security != nil {
		reqs = *op.Security
	}

	set := make(map[string]struct{})

	for _, req := range reqs {
		for name := range req {
			set[name] = struct{}{}
		}
	}

	return mapx.SortedKeys(set)
}
