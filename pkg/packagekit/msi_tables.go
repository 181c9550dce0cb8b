package packagekit

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/kolide/bundler/pkg/packagekit/msi"
)

const (
	mainFeatureKey = "MainFeature"

	// https://docs.microsoft.com/en-us/windows/win32/msi/component-table
	componentAttributes64bit = 256
	// https://docs.microsoft.com/en-us/windows/win32/msi/file-table
	fileAttributesVital = 512
	// favorLocal | disallowAdvertise
	featureAttributes = 24

	defaultLanguage = 1033
)

// installNames holds the Directory.DefaultDir and File.FileName values.
// Short names are handed out per parent directory, so they are assigned
// together for the whole tree.
type installNames struct {
	dirs  map[string]string
	files map[*resourceEntry]string
}

func assignInstallNames(productName string, dirs []*directoryInfo) installNames {
	names := installNames{
		dirs:  make(map[string]string, len(dirs)),
		files: make(map[*resourceEntry]string),
	}
	namers := make(map[string]*shortNamer, len(dirs))
	namer := func(key string) *shortNamer {
		if _, ok := namers[key]; !ok {
			namers[key] = newShortNamer()
		}
		return namers[key]
	}

	for _, d := range dirs {
		if d.parentKey == "" {
			names.dirs[d.key] = namer("").msiName(productName)
			continue
		}
		names.dirs[d.key] = namer(d.parentKey).msiName(d.name)
	}

	for _, d := range dirs {
		for _, e := range d.files {
			names.files[e] = namer(d.key).msiName(e.filename)
		}
	}

	return names
}

func programFilesKey(arch string) string {
	if arch == archX64 {
		return "ProgramFiles64Folder"
	}
	return "ProgramFilesFolder"
}

// createDirectoryTable writes TARGETDIR, the program files folder, the
// install root and the synthetic subdirectories below it.
func createDirectoryTable(pkg *msi.Package, arch string, dirs []*directoryInfo, names installNames) error {
	err := pkg.CreateTable("Directory", []msi.Column{
		msi.Col("Directory").PrimaryKey().IDString(72),
		msi.Col("Directory_Parent").IDString(72).Nullable().ForeignKey("Directory", 1),
		msi.Col("DefaultDir").Str(255).Localizable().Category(msi.DefaultDir),
	})
	if err != nil {
		return err
	}

	programFiles := programFilesKey(arch)

	ins := msi.InsertInto("Directory").
		Row(msi.Str("TARGETDIR"), msi.Null, msi.Str("SourceDir")).
		Row(msi.Str(programFiles), msi.Str("TARGETDIR"), msi.Str("."))

	for _, d := range dirs {
		parent := d.parentKey
		if parent == "" {
			parent = programFiles
		}
		ins.Row(msi.Str(d.key), msi.Str(parent), msi.Str(names.dirs[d.key]))
	}

	return pkg.InsertRows(ins)
}

// createFeatureTable writes the single, always installed feature.
func createFeatureTable(pkg *msi.Package, productName string) error {
	err := pkg.CreateTable("Feature", []msi.Column{
		msi.Col("Feature").PrimaryKey().IDString(38),
		msi.Col("Feature_Parent").IDString(38).Nullable().ForeignKey("Feature", 1),
		msi.Col("Title").Str(64).Localizable().Nullable().Category(msi.Text),
		msi.Col("Description").Str(255).Localizable().Nullable().Category(msi.Text),
		msi.Col("Display").Int16().Nullable().Range(0, 0x7FFF),
		msi.Col("Level").Int16().Range(0, 0x7FFF),
		msi.Col("Directory_").IDString(72).Nullable().ForeignKey("Directory", 1).Category(msi.UpperCase),
		msi.Col("Attributes").Int16().Range(0, 0x7FFF),
	})
	if err != nil {
		return err
	}

	return pkg.InsertRows(msi.InsertInto("Feature").Row(
		msi.Str(mainFeatureKey),
		msi.Null,
		msi.Str(productName),
		msi.Null,
		msi.Int(1),
		msi.Int(1),
		msi.Str(installDirKey),
		msi.Int(featureAttributes),
	))
}

// createComponentTable writes one component per directory with files.
// The component id is derived from the file names it holds.
func createComponentTable(pkg *msi.Package, productCode uuid.UUID, arch string, dirs []*directoryInfo) error {
	err := pkg.CreateTable("Component", []msi.Column{
		msi.Col("Component").PrimaryKey().IDString(72),
		msi.Col("ComponentId").Str(38).Nullable().Category(msi.Guid),
		msi.Col("Directory_").IDString(72).ForeignKey("Directory", 1),
		msi.Col("Attributes").Int16().Range(0, 0x7FFF),
		msi.Col("Condition").Str(255).Nullable().Category(msi.Condition),
		msi.Col("KeyPath").IDString(72).Nullable().ForeignKey("File", 1),
	})
	if err != nil {
		return err
	}

	attributes := 0
	if arch == archX64 {
		attributes = componentAttributes64bit
	}

	ins := msi.InsertInto("Component")
	for _, d := range dirs {
		if len(d.files) == 0 {
			continue
		}

		filenames := make([]string, len(d.files))
		for i, e := range d.files {
			filenames[i] = e.filename
		}

		ins.Row(
			msi.Str(d.key),
			msi.GUID(componentGUID(productCode, filenames)),
			msi.Str(d.key),
			msi.Int(attributes),
			msi.Null,
			msi.Str(d.files[0].fileKey),
		)
	}

	return pkg.InsertRows(ins)
}

func createFeatureComponentsTable(pkg *msi.Package, dirs []*directoryInfo) error {
	err := pkg.CreateTable("FeatureComponents", []msi.Column{
		msi.Col("Feature_").PrimaryKey().IDString(38).ForeignKey("Feature", 1),
		msi.Col("Component_").PrimaryKey().IDString(72).ForeignKey("Component", 1),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("FeatureComponents")
	for _, d := range dirs {
		if len(d.files) > 0 {
			ins.Row(msi.Str(mainFeatureKey), msi.Str(d.key))
		}
	}
	return pkg.InsertRows(ins)
}

// createMediaTable writes one disk per cabinet. Cabinets are embedded
// streams, which the "#" prefix marks.
func createMediaTable(pkg *msi.Package, cabinets []*cabinetInfo) error {
	err := pkg.CreateTable("Media", []msi.Column{
		msi.Col("DiskId").PrimaryKey().Int16().Range(1, 0x7FFF),
		msi.Col("LastSequence").Int32().Range(0, 0x7FFFFFFF),
		msi.Col("DiskPrompt").Str(64).Localizable().Nullable().Category(msi.Text),
		msi.Col("Cabinet").Str(255).Nullable().Category(msi.Cabinet),
		msi.Col("VolumeLabel").Str(32).Nullable().Category(msi.Text),
		msi.Col("Source").Str(72).Nullable().Category(msi.Property),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("Media")
	lastSequence := 0
	for i, c := range cabinets {
		lastSequence += len(c.resources)
		ins.Row(
			msi.Int(i+1),
			msi.Int(lastSequence),
			msi.Null,
			msi.Str("#"+c.name),
			msi.Null,
			msi.Null,
		)
	}
	return pkg.InsertRows(ins)
}

// createFileTable writes one row per entry. Sequence numbers run from 1
// across all cabinets, in cabinet order, matching the Media table.
func createFileTable(pkg *msi.Package, cabinets []*cabinetInfo, names installNames) error {
	err := pkg.CreateTable("File", []msi.Column{
		msi.Col("File").PrimaryKey().IDString(72),
		msi.Col("Component_").IDString(72).ForeignKey("Component", 1),
		msi.Col("FileName").Str(255).Localizable().Category(msi.Filename),
		msi.Col("FileSize").Int32().Range(0, 0x7FFFFFFF),
		msi.Col("Version").Str(72).Nullable().Category(msi.Version),
		msi.Col("Language").Str(20).Nullable().Category(msi.Language),
		msi.Col("Attributes").Int16().Nullable().Range(0, 0x7FFF),
		msi.Col("Sequence").Int16().Range(1, 0x7FFF),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("File")
	sequence := 0
	for _, c := range cabinets {
		for _, e := range c.resources {
			sequence++
			ins.Row(
				msi.Str(e.fileKey),
				msi.Str(e.componentKey),
				msi.Str(names.files[e]),
				msi.Int64(e.size),
				msi.Null,
				msi.Null,
				msi.Int(fileAttributesVital),
				msi.Int(sequence),
			)
		}
	}
	return pkg.InsertRows(ins)
}

type productProperties struct {
	manufacturer string
	productCode  uuid.UUID
	productName  string
	version      string
	upgradeCode  uuid.UUID
	comments     string
	helpLink     string
	icon         *productIcon
}

// createPropertyTable writes the product properties and the defaults
// the wizard text refers to. Empty optional values are left out, as the
// Value column is required.
func createPropertyTable(pkg *msi.Package, props productProperties) error {
	err := pkg.CreateTable("Property", []msi.Column{
		msi.Col("Property").PrimaryKey().IDString(72),
		msi.Col("Value").Str(0).Localizable().Category(msi.Text),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("Property")
	add := func(name, value string) {
		if value != "" {
			ins.Row(msi.Str(name), msi.Str(value))
		}
	}

	add("Manufacturer", props.manufacturer)
	add("ProductCode", msi.FormatGUID(props.productCode))
	add("ProductLanguage", strconv.Itoa(defaultLanguage))
	add("ProductName", props.productName)
	add("ProductVersion", props.version)
	add("UpgradeCode", msi.FormatGUID(props.upgradeCode))
	add("ALLUSERS", "1")
	add("ARPCOMMENTS", props.comments)
	add("ARPHELPLINK", props.helpLink)
	if props.icon != nil {
		add("ARPPRODUCTICON", props.icon.key)
	}
	add("DefaultUIFont", "DefaultFont")
	add("Mode", "Install")
	add("Text_action", "installation")
	add("Text_agent", "installer")
	add("Text_Doing", "installing")
	add("Text_done", "installed")

	return pkg.InsertRows(ins)
}

// iconStreamName is where the Icon table's Data cell is staged.
func iconStreamName(icon *productIcon) string {
	return "Icon." + icon.key
}

// createIconTable writes the icon row. The stream itself is written by
// the assembler.
func createIconTable(pkg *msi.Package, icon *productIcon) error {
	err := pkg.CreateTable("Icon", []msi.Column{
		msi.Col("Name").PrimaryKey().IDString(72),
		msi.Col("Data").Binary(),
	})
	if err != nil {
		return err
	}

	if icon == nil {
		return nil
	}
	return pkg.InsertRows(msi.InsertInto("Icon").Row(msi.Str(icon.key), msi.Stream(iconStreamName(icon))))
}
