package packagekit

import (
	"fmt"
	"strings"

	"github.com/kolide/bundler/pkg/packagekit/msi"
	"github.com/pkg/errors"
)

type sequenceAction struct {
	action    string
	condition string
	sequence  int
}

// installExecuteSequence runs validate, cost, install files, register,
// finalize. Actions that need tables this installer does not carry are
// left out.
var installExecuteSequence = []sequenceAction{
	{"ValidateProductID", "", 700},
	{"CostInitialize", "", 800},
	{"FileCost", "", 900},
	{"CostFinalize", "", 1000},
	{"SetODBCFolders", "", 1100},
	{"InstallValidate", "", 1400},
	{"InstallInitialize", "", 1500},
	{"AllocateRegistrySpace", "NOT Installed", 1550},
	{"ProcessComponents", "", 1600},
	{"UnpublishComponents", "", 1700},
	{"UnpublishFeatures", "", 1800},
	{"UnregisterComPlus", "", 2100},
	{"RemoveFiles", "", 3500},
	{"RemoveFolders", "", 3600},
	{"CreateFolders", "", 3700},
	{"MoveFiles", "", 3800},
	{"InstallFiles", "", 4000},
	{"RegisterComPlus", "", 5700},
	{"RegisterUser", "", 6000},
	{"RegisterProduct", "", 6100},
	{"PublishComponents", "", 6200},
	{"PublishFeatures", "", 6300},
	{"PublishProduct", "", 6400},
	{"InstallFinalize", "", 6600},
}

// installUISequence shows the wizard. Negative sequences are the
// dialogs run on error (-3) and on success (-1).
var installUISequence = []sequenceAction{
	{"FatalErrorDialog", "", -3},
	{"ExitDialog", "", -1},
	{"CostInitialize", "", 800},
	{"FileCost", "", 900},
	{"CostFinalize", "", 1000},
	{"WelcomeDialog", "NOT Installed", 1230},
	{"RemoveDialog", "Installed", 1240},
	{"ProgressDialog", "", 1280},
	{"ExecuteAction", "", 1300},
}

// The wizard is a small state machine. Dialogs are states. Control
// events move between them: SpawnDialog pushes a modal dialog,
// EndDialog with Return or Exit ends the current one. Events whose name
// is a bracketed property set that property instead.
type wizardControl struct {
	name       string
	kind       string
	x, y       int
	width      int
	height     int
	attributes int
	text       string
	next       string
}

type controlEvent struct {
	control  string
	event    string
	argument string
}

type eventMapping struct {
	control   string
	event     string
	attribute string
}

type wizardDialog struct {
	name       string
	hCentering int
	vCentering int
	width      int
	height     int
	attributes int
	first      string
	def        string
	cancel     string
	controls   []wizardControl
	events     []controlEvent
	mappings   []eventMapping
}

const dialogTitle = "[ProductName] Setup"

var endDialogArguments = map[string]bool{
	"Return": true,
	"Exit":   true,
	"Retry":  true,
	"Ignore": true,
}

func pushButton(name string, x int, attributes int, text, next string) wizardControl {
	return wizardControl{name: name, kind: "PushButton", x: x, y: 243, width: 56, height: 17, attributes: attributes, text: text, next: next}
}

func bottomLine(name, next string) wizardControl {
	return wizardControl{name: name, kind: "Line", x: 0, y: 234, width: 374, height: 0, attributes: 1, next: next}
}

func textControl(name string, x, y, width, height, attributes int, text string) wizardControl {
	return wizardControl{name: name, kind: "Text", x: x, y: y, width: width, height: height, attributes: attributes, text: text}
}

func propertyEvents(control string, values ...string) []controlEvent {
	var out []controlEvent
	for i := 0; i+1 < len(values); i += 2 {
		out = append(out, controlEvent{control: control, event: "[" + values[i] + "]", argument: values[i+1]})
	}
	return out
}

// wizardDialogs is the install/remove wizard, in table order.
func wizardDialogs() []wizardDialog {
	welcome := wizardDialog{
		name: "WelcomeDialog", hCentering: 50, vCentering: 50, width: 370, height: 270, attributes: 3,
		first: "WelcomeInstall", def: "WelcomeInstall", cancel: "WelcomeInstall",
		controls: []wizardControl{
			textControl("WelcomeDescription", 135, 70, 220, 50, 196611, `{\DefaultFont}This will install [ProductName] on your computer. Click Install to continue or Cancel to exit the installer.`),
			textControl("WelcomeTitle", 135, 20, 220, 60, 196611, `{\TitleFont}Welcome to the [ProductName] setup wizard`),
			pushButton("WelcomeCancel", 304, 3, "Cancel", ""),
			pushButton("WelcomeBack", 180, 1, "Back", "WelcomeInstall"),
			bottomLine("WelcomeBottomLine", ""),
			pushButton("WelcomeInstall", 236, 3, "Install", "WelcomeCancel"),
		},
	}
	welcome.events = append(welcome.events, controlEvent{"WelcomeCancel", "SpawnDialog", "CancelDialog"})
	welcome.events = append(welcome.events, propertyEvents("WelcomeInstall",
		"Mode", "Install",
		"Text_action", "installation",
		"Text_agent", "installer",
		"Text_Doing", "Installing",
		"Text_done", "installed",
	)...)
	welcome.events = append(welcome.events, controlEvent{"WelcomeInstall", "EndDialog", "Return"})

	remove := wizardDialog{
		name: "RemoveDialog", hCentering: 50, vCentering: 50, width: 370, height: 270, attributes: 3,
		first: "RemoveRemove", def: "RemoveRemove", cancel: "RemoveRemove",
		controls: []wizardControl{
			textControl("RemoveDescription", 135, 70, 220, 50, 196611, "This will remove [ProductName] from your computer. Click Remove to continue or Cancel to exit the uninstaller."),
			textControl("RemoveTitle", 135, 20, 220, 60, 196611, `{\TitleFont}Uninstall [ProductName]`),
			pushButton("RemoveCancel", 304, 3, "Cancel", ""),
			pushButton("RemoveBack", 180, 1, "Back", "RemoveRemove"),
			bottomLine("RemoveBottomLine", ""),
			pushButton("RemoveRemove", 236, 3, "Remove", "RemoveCancel"),
		},
	}
	remove.events = append(remove.events, propertyEvents("RemoveCancel", "Text_action", "removal")...)
	remove.events = append(remove.events, controlEvent{"RemoveCancel", "SpawnDialog", "CancelDialog"})
	remove.events = append(remove.events, propertyEvents("RemoveRemove",
		"Mode", "Remove",
		"Text_action", "removal",
		"Text_agent", "uninstaller",
		"Text_Doing", "Removing",
		"Text_done", "uninstalled",
	)...)
	remove.events = append(remove.events, controlEvent{"RemoveRemove", "EndDialog", "Return"})

	cancel := wizardDialog{
		name: "CancelDialog", hCentering: 50, vCentering: 10, width: 260, height: 85, attributes: 3,
		first: "CancelNo", def: "CancelNo", cancel: "CancelNo",
		controls: []wizardControl{
			{name: "CancelNo", kind: "PushButton", x: 132, y: 57, width: 56, height: 17, attributes: 3, text: "Continue", next: "CancelYes"},
			textControl("CancelText", 48, 15, 194, 30, 3, "Do you want to abort [ProductName] [Text_action]?"),
			{name: "CancelYes", kind: "PushButton", x: 72, y: 57, width: 56, height: 17, attributes: 3, text: "Abort", next: "CancelNo"},
		},
		events: []controlEvent{
			{"CancelNo", "EndDialog", "Return"},
			{"CancelYes", "EndDialog", "Exit"},
		},
	}

	progress := wizardDialog{
		name: "ProgressDialog", hCentering: 50, vCentering: 50, width: 370, height: 270, attributes: 1,
		first: "ProgressCancel", def: "ProgressCancel", cancel: "ProgressCancel",
		controls: []wizardControl{
			textControl("ProgressTitle", 20, 15, 200, 15, 196611, `{\BoldFont}[Text_Doing] [ProductName]`),
			pushButton("ProgressCancel", 304, 3, "Cancel", ""),
			textControl("ProgressText", 35, 65, 300, 25, 3, "Please wait while [ProductName] is [Text_done]. This may take several minutes."),
			textControl("ProgressActionText", 70, 105, 265, 15, 3, ""),
			pushButton("ProgressBack", 180, 1, "Back", "ProgressNext"),
			bottomLine("ProgressBottomLine", "ProgressNext"),
			pushButton("ProgressNext", 236, 1, "Next", "ProgressCancel"),
			{name: "ProgressBannerLine", kind: "Line", x: 0, y: 44, width: 374, height: 0, attributes: 1},
			{name: "ProgressProgressBar", kind: "ProgressBar", x: 35, y: 125, width: 300, height: 10, attributes: 65537, text: "Progress done"},
			textControl("ProgressStatusLabel", 35, 105, 35, 10, 3, "Status:"),
		},
		events: []controlEvent{
			{"ProgressCancel", "SpawnDialog", "CancelDialog"},
		},
		mappings: []eventMapping{
			{"ProgressActionText", "ActionText", "Text"},
			{"ProgressProgressBar", "SetProgress", "Progress"},
		},
	}

	exit := wizardDialog{
		name: "ExitDialog", hCentering: 50, vCentering: 50, width: 370, height: 270, attributes: 3,
		first: "ExitFinish", def: "ExitFinish", cancel: "ExitFinish",
		controls: []wizardControl{
			textControl("ExitDescription", 135, 70, 220, 20, 196611, "Click the Finish button to exit the [Text_agent]."),
			textControl("ExitTitle", 135, 20, 220, 60, 196611, `{\TitleFont}[ProductName] [Text_action] complete`),
			pushButton("ExitCancel", 304, 1, "Cancel", ""),
			pushButton("ExitBack", 180, 1, "Back", "ExitFinish"),
			bottomLine("ExitBottomLine", ""),
			pushButton("ExitFinish", 236, 3, "Finish", "ExitCancel"),
		},
		events: []controlEvent{
			{"ExitFinish", "EndDialog", "Return"},
		},
	}

	fatal := wizardDialog{
		name: "FatalErrorDialog", hCentering: 50, vCentering: 50, width: 370, height: 270, attributes: 3,
		first: "FatalFinish", def: "FatalFinish", cancel: "FatalFinish",
		controls: []wizardControl{
			textControl("FatalTitle", 135, 20, 220, 60, 196611, `{\TitleFont}[ProductName] [Text_agent] ended prematurely`),
			pushButton("FatalCancel", 304, 1, "Cancel", ""),
			pushButton("FatalBack", 180, 1, "Back", "FatalFinish"),
			bottomLine("FatalBottomLine", ""),
			pushButton("FatalFinish", 236, 3, "Finish", "FatalCancel"),
			textControl("FatalDescription1", 135, 70, 220, 40, 196611, "[ProductName] [Text_action] ended because of an error. The program has not been installed. This installer can be run again at a later time."),
			textControl("FatalDescription2", 135, 115, 220, 20, 196611, "Click the Finish button to exit the [Text_agent]."),
		},
		events: []controlEvent{
			{"FatalFinish", "EndDialog", "Exit"},
		},
	}

	return []wizardDialog{welcome, remove, cancel, progress, exit, fatal}
}

// validateWizard checks the wizard is navigable: every control a dialog
// or event names exists in that dialog, spawned dialogs exist, and
// EndDialog arguments are ones the installer understands.
func validateWizard(dialogs []wizardDialog, sequences ...[]sequenceAction) error {
	byName := make(map[string]wizardDialog, len(dialogs))
	for _, d := range dialogs {
		if _, ok := byName[d.name]; ok {
			return errors.Errorf("dialog %s defined twice", d.name)
		}
		byName[d.name] = d
	}

	for _, d := range dialogs {
		controls := make(map[string]bool, len(d.controls))
		for _, c := range d.controls {
			if controls[c.name] {
				return errors.Errorf("%s: control %s defined twice", d.name, c.name)
			}
			controls[c.name] = true
		}

		check := func(what, control string) error {
			if control != "" && !controls[control] {
				return errors.Errorf("%s: %s refers to missing control %s", d.name, what, control)
			}
			return nil
		}

		for what, control := range map[string]string{"first control": d.first, "default control": d.def, "cancel control": d.cancel} {
			if err := check(what, control); err != nil {
				return err
			}
		}
		if d.first == "" {
			return errors.Errorf("%s: no first control", d.name)
		}

		for _, c := range d.controls {
			if err := check("tab order of "+c.name, c.next); err != nil {
				return err
			}
		}

		for _, ev := range d.events {
			if err := check("event "+ev.event, ev.control); err != nil {
				return err
			}
			switch {
			case ev.event == "SpawnDialog" || ev.event == "NewDialog":
				if _, ok := byName[ev.argument]; !ok {
					return errors.Errorf("%s: %s opens missing dialog %s", d.name, ev.control, ev.argument)
				}
			case ev.event == "EndDialog":
				if !endDialogArguments[ev.argument] {
					return errors.Errorf("%s: %s ends with unknown result %s", d.name, ev.control, ev.argument)
				}
			case strings.HasPrefix(ev.event, "[") && strings.HasSuffix(ev.event, "]"):
			default:
				return errors.Errorf("%s: %s has unsupported event %s", d.name, ev.control, ev.event)
			}
		}

		for _, m := range d.mappings {
			if err := check("event mapping "+m.event, m.control); err != nil {
				return err
			}
		}
	}

	// Sequenced dialogs must exist. Other actions are standard actions.
	for _, seq := range sequences {
		for _, a := range seq {
			if strings.HasSuffix(a.action, "Dialog") {
				if _, ok := byName[a.action]; !ok {
					return errors.Errorf("sequence shows missing dialog %s", a.action)
				}
			}
		}
	}

	return nil
}

func sequenceColumns() []msi.Column {
	return []msi.Column{
		msi.Col("Action").PrimaryKey().IDString(72),
		msi.Col("Condition").Str(255).Nullable().Category(msi.Condition),
		msi.Col("Sequence").Int16().Nullable().Range(-4, 0x7FFF),
	}
}

func createSequenceTable(pkg *msi.Package, name string, actions []sequenceAction) error {
	if err := pkg.CreateTable(name, sequenceColumns()); err != nil {
		return err
	}

	ins := msi.InsertInto(name)
	for _, a := range actions {
		ins.Row(msi.Str(a.action), msi.Str(a.condition), msi.Int(a.sequence))
	}
	return pkg.InsertRows(ins)
}

func createDialogTable(pkg *msi.Package, dialogs []wizardDialog) error {
	err := pkg.CreateTable("Dialog", []msi.Column{
		msi.Col("Dialog").PrimaryKey().IDString(72),
		msi.Col("HCentering").Int16().Range(0, 100),
		msi.Col("VCentering").Int16().Range(0, 100),
		msi.Col("Width").Int16().Range(0, 0x7FFF),
		msi.Col("Height").Int16().Range(0, 0x7FFF),
		msi.Col("Attributes").Int32().Nullable().Range(0, 0x7FFFFFFF),
		msi.Col("Title").Str(128).Localizable().Nullable().Category(msi.Formatted),
		msi.Col("Control_First").IDString(50).ForeignKey("Control", 2),
		msi.Col("Control_Default").IDString(50).Nullable().ForeignKey("Control", 2),
		msi.Col("Control_Cancel").IDString(50).Nullable().ForeignKey("Control", 2),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("Dialog")
	for _, d := range dialogs {
		ins.Row(
			msi.Str(d.name),
			msi.Int(d.hCentering),
			msi.Int(d.vCentering),
			msi.Int(d.width),
			msi.Int(d.height),
			msi.Int(d.attributes),
			msi.Str(dialogTitle),
			msi.Str(d.first),
			msi.Str(d.def),
			msi.Str(d.cancel),
		)
	}
	return pkg.InsertRows(ins)
}

func createControlTable(pkg *msi.Package, dialogs []wizardDialog) error {
	err := pkg.CreateTable("Control", []msi.Column{
		msi.Col("Dialog_").PrimaryKey().IDString(72).ForeignKey("Dialog", 1),
		msi.Col("Control").PrimaryKey().IDString(50),
		msi.Col("Type").IDString(20),
		msi.Col("X").Int16().Range(0, 0x7FFF),
		msi.Col("Y").Int16().Range(0, 0x7FFF),
		msi.Col("Width").Int16().Range(0, 0x7FFF),
		msi.Col("Height").Int16().Range(0, 0x7FFF),
		msi.Col("Attributes").Int32().Nullable().Range(0, 0x7FFFFFFF),
		msi.Col("Property").IDString(50).Nullable(),
		msi.Col("Text").Str(0).Localizable().Nullable().Category(msi.Formatted),
		msi.Col("Control_Next").IDString(50).Nullable().ForeignKey("Control", 2),
		msi.Col("Help").Str(50).Localizable().Nullable().Category(msi.Text),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("Control")
	for _, d := range dialogs {
		for _, c := range d.controls {
			ins.Row(
				msi.Str(d.name),
				msi.Str(c.name),
				msi.Str(c.kind),
				msi.Int(c.x),
				msi.Int(c.y),
				msi.Int(c.width),
				msi.Int(c.height),
				msi.Int(c.attributes),
				msi.Null,
				msi.Str(c.text),
				msi.Str(c.next),
				msi.Null,
			)
		}
	}
	return pkg.InsertRows(ins)
}

func createControlEventTable(pkg *msi.Package, dialogs []wizardDialog) error {
	err := pkg.CreateTable("ControlEvent", []msi.Column{
		msi.Col("Dialog_").PrimaryKey().IDString(72).ForeignKey("Dialog", 1),
		msi.Col("Control_").PrimaryKey().IDString(50).ForeignKey("Control", 2),
		msi.Col("Event").PrimaryKey().Str(50).Category(msi.Formatted),
		msi.Col("Argument").PrimaryKey().Str(255).Category(msi.Formatted),
		msi.Col("Condition").PrimaryKey().Str(255).Nullable().Category(msi.Condition),
		msi.Col("Ordering").Int16().Nullable().Range(0, 0x7FFF),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("ControlEvent")
	ordering := 0
	for _, d := range dialogs {
		for _, ev := range d.events {
			ins.Row(
				msi.Str(d.name),
				msi.Str(ev.control),
				msi.Str(ev.event),
				msi.Str(ev.argument),
				msi.Str("1"),
				msi.Int(ordering),
			)
			ordering++
		}
	}
	return pkg.InsertRows(ins)
}

func createEventMappingTable(pkg *msi.Package, dialogs []wizardDialog) error {
	err := pkg.CreateTable("EventMapping", []msi.Column{
		msi.Col("Dialog_").PrimaryKey().IDString(72).ForeignKey("Dialog", 1),
		msi.Col("Control_").PrimaryKey().IDString(50).ForeignKey("Control", 2),
		msi.Col("Event").PrimaryKey().IDString(50),
		msi.Col("Attribute").IDString(50),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("EventMapping")
	for _, d := range dialogs {
		for _, m := range d.mappings {
			ins.Row(msi.Str(d.name), msi.Str(m.control), msi.Str(m.event), msi.Str(m.attribute))
		}
	}
	return pkg.InsertRows(ins)
}

type textStyle struct {
	name      string
	face      string
	size      int
	color     int
	styleBits int
}

var textStyles = []textStyle{
	{"DefaultFont", "Tahoma", 10, 0, 0},
	{"BoldFont", "Tahoma", 10, 0, 1},
	{"TitleFont", "Verdana", 14, 0, 1},
}

func createTextStyleTable(pkg *msi.Package) error {
	err := pkg.CreateTable("TextStyle", []msi.Column{
		msi.Col("TextStyle").PrimaryKey().IDString(72),
		msi.Col("FaceName").TextString(32),
		msi.Col("Size").Int16().Range(0, 0x7FFF),
		msi.Col("Color").Int32().Nullable().Range(0, 0xFFFFFF),
		msi.Col("StyleBits").Int16().Nullable().Range(0, 15),
	})
	if err != nil {
		return err
	}

	ins := msi.InsertInto("TextStyle")
	for _, s := range textStyles {
		ins.Row(msi.Str(s.name), msi.Str(s.face), msi.Int(s.size), msi.Int(s.color), msi.Int(s.styleBits))
	}
	return pkg.InsertRows(ins)
}

// createUITables emits the sequences and the wizard. It does not depend
// on what is being packaged.
func createUITables(pkg *msi.Package) error {
	dialogs := wizardDialogs()
	if err := validateWizard(dialogs, installExecuteSequence, installUISequence); err != nil {
		return errors.Wrap(err, "checking wizard")
	}

	steps := []struct {
		table string
		fn    func() error
	}{
		{"InstallExecuteSequence", func() error { return createSequenceTable(pkg, "InstallExecuteSequence", installExecuteSequence) }},
		{"InstallUISequence", func() error { return createSequenceTable(pkg, "InstallUISequence", installUISequence) }},
		{"Dialog", func() error { return createDialogTable(pkg, dialogs) }},
		{"Control", func() error { return createControlTable(pkg, dialogs) }},
		{"ControlEvent", func() error { return createControlEventTable(pkg, dialogs) }},
		{"EventMapping", func() error { return createEventMappingTable(pkg, dialogs) }},
		{"TextStyle", func() error { return createTextStyleTable(pkg) }},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return errors.Wrap(err, fmt.Sprintf("generating %s table", step.table))
		}
	}
	return nil
}
